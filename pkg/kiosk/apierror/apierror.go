// Package apierror maps engine errors onto HTTP responses.
package apierror

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/vango-go/vai-kiosk/pkg/core"
	"github.com/vango-go/vai-kiosk/pkg/core/intake"
	"github.com/vango-go/vai-kiosk/pkg/core/live"
	"github.com/vango-go/vai-kiosk/pkg/kiosk/protocol"
)

// Kinds that have no counterpart in the engine's taxonomy.
const (
	KindInvalidRequest = "invalid_request"
	KindNotConnected   = "not_connected"
	KindAborted        = "aborted"
	KindUnavailable    = "unavailable"
	KindTimeout        = "timeout"
	KindInternal       = "internal_error"
)

// ErrNotConnected rejects commands that need a live session.
var ErrNotConnected = errors.New("no live session")

type Body struct {
	Kind      string                `json:"kind"`
	Code      string                `json:"code,omitempty"`
	Message   string                `json:"message"`
	Param     string                `json:"param,omitempty"`
	RequestID string                `json:"request_id,omitempty"`
	Blocked   []intake.BlockedField `json:"blocked,omitempty"`
	// Retryable tells the operator UI a fresh connect may succeed without
	// intervention.
	Retryable bool `json:"retryable,omitempty"`
}

type Envelope struct {
	Error *Body `json:"error"`
}

// StepRefusal is a gated step transition. It unwraps to the gating
// violation and carries the fields that blocked it.
type StepRefusal struct {
	Target  string
	Blocked []intake.BlockedField
	Err     error
}

func (r *StepRefusal) Error() string {
	if r.Err == nil {
		return "step transition refused: " + r.Target
	}
	return r.Err.Error()
}

func (r *StepRefusal) Unwrap() error { return r.Err }

func FromError(err error, requestID string) (*Body, int) {
	if err == nil {
		return nil, http.StatusOK
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Body{Kind: KindTimeout, Message: "request timeout", RequestID: requestID}, http.StatusGatewayTimeout
	}
	if errors.Is(err, context.Canceled) {
		return &Body{Kind: KindTimeout, Code: "cancelled", Message: "request cancelled", RequestID: requestID}, http.StatusRequestTimeout
	}
	if errors.Is(err, live.ErrConnectAborted) {
		return &Body{Kind: KindAborted, Message: err.Error(), RequestID: requestID}, http.StatusConflict
	}
	if errors.Is(err, ErrNotConnected) {
		return &Body{Kind: KindNotConnected, Message: err.Error(), RequestID: requestID}, http.StatusConflict
	}
	if errors.Is(err, live.ErrEngineClosed) {
		return &Body{Kind: KindUnavailable, Message: "engine is shutting down", RequestID: requestID}, http.StatusServiceUnavailable
	}

	var refusal *StepRefusal
	if errors.As(err, &refusal) && refusal != nil {
		return &Body{
			Kind:      string(core.KindGating),
			Message:   refusal.Error(),
			Param:     "target",
			RequestID: requestID,
			Blocked:   refusal.Blocked,
		}, http.StatusConflict
	}

	var decodeErr *protocol.DecodeError
	if errors.As(err, &decodeErr) && decodeErr != nil {
		return &Body{
			Kind:      KindInvalidRequest,
			Code:      decodeErr.Code,
			Message:   decodeErr.Message,
			Param:     decodeErr.Param,
			RequestID: requestID,
		}, http.StatusBadRequest
	}

	var coreErr *core.Error
	if errors.As(err, &coreErr) && coreErr != nil {
		return &Body{
			Kind:      string(coreErr.Kind),
			Code:      coreErr.Op,
			Message:   coreErr.Error(),
			RequestID: requestID,
			Retryable: coreErr.IsRetryable(),
		}, statusFromKind(coreErr.Kind)
	}

	// Unknown errors are not leaked.
	return &Body{Kind: KindInternal, Message: "internal error", RequestID: requestID}, http.StatusInternalServerError
}

func statusFromKind(k core.ErrorKind) int {
	switch k {
	case core.KindProtocol:
		return http.StatusBadRequest
	case core.KindGating:
		return http.StatusConflict
	case core.KindPermission:
		return http.StatusForbidden
	case core.KindHandshake, core.KindTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func Write(w http.ResponseWriter, status int, body *Body) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Envelope{Error: body})
}

// WriteError maps err and writes it.
func WriteError(w http.ResponseWriter, requestID string, err error) {
	body, status := FromError(err, requestID)
	Write(w, status, body)
}
