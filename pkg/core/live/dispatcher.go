package live

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/vango-go/vai-kiosk/internal/logging"
	"github.com/vango-go/vai-kiosk/internal/metrics"
	"github.com/vango-go/vai-kiosk/pkg/core"
	"github.com/vango-go/vai-kiosk/pkg/core/realtime"
)

// ToolHandler runs the local side effect of a tool call.
type ToolHandler func(ctx context.Context, call realtime.ToolCallEvent) error

// ResultSink sends a tool result back to the model.
type ResultSink interface {
	SendToolResult(callID string, result map[string]any) error
}

// Dispatcher routes tool calls to handlers and acknowledges every call.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]ToolHandler

	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewDispatcher returns an empty dispatcher.
func NewDispatcher(logger *zap.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]ToolHandler),
		logger:   logging.OrNop(logger),
		metrics:  m,
	}
}

// Register installs h for name, replacing any previous handler.
func (d *Dispatcher) Register(name string, h ToolHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[name] = h
}

// Dispatch runs the handler for call and then sends the generic ok result,
// whatever the handler did. Unknown tools are acknowledged too so the model
// never stalls. The returned error is the handler's (or a protocol violation
// for unknown tools); the result send error is returned only when the
// handler succeeded.
func (d *Dispatcher) Dispatch(ctx context.Context, call realtime.ToolCallEvent, sink ResultSink) error {
	d.mu.RLock()
	h, ok := d.handlers[call.Name]
	d.mu.RUnlock()

	var err error
	outcome := "ok"
	switch {
	case !ok:
		err = core.NewProtocolViolation("dispatch", fmt.Sprintf("unknown tool %q", call.Name))
		outcome = "unknown"
	default:
		err = d.invoke(ctx, h, call)
		if err != nil {
			outcome = "error"
			if core.IsKind(err, core.KindProtocol) {
				outcome = "invalid"
			}
		}
	}

	if err != nil {
		d.logger.Warn("tool call not applied",
			zap.String("tool", call.Name),
			zap.String("call_id", call.ID),
			zap.Error(err),
		)
	}
	d.metrics.RecordToolCall(call.Name, outcome)

	sendErr := sink.SendToolResult(call.ID, realtime.OKResult())
	if sendErr != nil {
		d.logger.Warn("tool result not sent",
			zap.String("tool", call.Name),
			zap.String("call_id", call.ID),
			zap.Error(sendErr),
		)
	}
	if err != nil {
		return err
	}
	return sendErr
}

func (d *Dispatcher) invoke(ctx context.Context, h ToolHandler, call realtime.ToolCallEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool handler %q panicked: %v", call.Name, r)
		}
	}()
	return h(ctx, call)
}
