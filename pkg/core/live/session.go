package live

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/vango-go/vai-kiosk/internal/metrics"
	"github.com/vango-go/vai-kiosk/pkg/core/realtime"
)

// controlMsg is a text turn or tool result. Control messages are never
// dropped and go out ahead of queued audio.
type controlMsg struct {
	text   string
	callID string
	result map[string]any
}

// session is one provider connection. The engine replaces it on every
// connect; the form outlives it.
type session struct {
	id      string
	rt      realtime.Session
	logger  *zap.Logger
	metrics *metrics.Metrics

	// Capture, nil when the engine has no microphone.
	reader  FrameReader
	capture *CapturePipeline

	audio     chan []byte
	controlMu sync.Mutex
	control   []controlMsg
	signal    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool

	// Loop-owned latency tracking.
	speechEndedAt time.Time
	awaitingAudio bool
}

func newSession(id string, rt realtime.Session, reader FrameReader, audioQueue int, logger *zap.Logger, m *metrics.Metrics) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		id:      id,
		rt:      rt,
		logger:  logger,
		metrics: m,
		reader:  reader,
		audio:   make(chan []byte, audioQueue),
		signal:  make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// SendAudioFrame queues a frame without blocking; a full queue drops it.
func (s *session) SendAudioFrame(pcm []byte) {
	if s.closed.Load() || len(pcm) == 0 {
		s.metrics.RecordAudioFrame("skipped")
		return
	}
	select {
	case s.audio <- pcm:
		s.metrics.RecordAudioFrame("sent")
	default:
		s.metrics.RecordAudioFrame("dropped")
	}
}

// SendToolResult queues a tool result. It satisfies ResultSink.
func (s *session) SendToolResult(callID string, result map[string]any) error {
	s.pushControl(controlMsg{callID: callID, result: result})
	return nil
}

// SendText queues a synthetic user turn.
func (s *session) SendText(text string) {
	s.pushControl(controlMsg{text: text})
}

func (s *session) pushControl(msg controlMsg) {
	if s.closed.Load() {
		return
	}
	s.controlMu.Lock()
	s.control = append(s.control, msg)
	s.controlMu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *session) popControl() (controlMsg, bool) {
	s.controlMu.Lock()
	defer s.controlMu.Unlock()
	if len(s.control) == 0 {
		return controlMsg{}, false
	}
	msg := s.control[0]
	s.control[0] = controlMsg{}
	s.control = s.control[1:]
	return msg, true
}

// writeLoop is the only goroutine writing to the provider session. fail is
// called once with the first send error.
func (s *session) writeLoop(fail func(error)) {
	for {
		if msg, ok := s.popControl(); ok {
			var err error
			if msg.callID != "" {
				err = s.rt.SendToolResult(msg.callID, msg.result)
			} else {
				err = s.rt.SendText(msg.text)
			}
			if err != nil {
				fail(err)
				return
			}
			continue
		}

		select {
		case <-s.ctx.Done():
			return
		case <-s.signal:
		case pcm := <-s.audio:
			if err := s.rt.SendAudio(pcm); err != nil {
				fail(err)
				return
			}
		}
	}
}

// readLoop forwards provider events until the session ends.
func (s *session) readLoop(deliver func(realtime.Event), ended func(error)) {
	for ev := range s.rt.Events() {
		deliver(ev)
	}
	ended(s.rt.Err())
}

// close stops capture and the writer, releases the microphone and closes
// the provider session. Safe to call more than once.
func (s *session) close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.cancel()
	if s.capture != nil {
		_ = s.capture.close()
	} else if s.reader != nil {
		_ = s.reader.Close()
	}
	if err := s.rt.Close(); err != nil {
		s.logger.Debug("provider session close", zap.Error(err))
	}
}
