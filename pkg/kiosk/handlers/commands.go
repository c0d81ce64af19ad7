// Package handlers serves the kiosk UI: form and session routes plus the
// websocket event stream.
package handlers

import (
	"context"
	"fmt"

	"github.com/vango-go/vai-kiosk/pkg/core"
	"github.com/vango-go/vai-kiosk/pkg/core/intake"
	"github.com/vango-go/vai-kiosk/pkg/core/live"
	"github.com/vango-go/vai-kiosk/pkg/kiosk/apierror"
	"github.com/vango-go/vai-kiosk/pkg/kiosk/protocol"
)

// Engine is the part of live.Engine the UI drives.
type Engine interface {
	State() live.SessionState
	SessionID() string
	Form() intake.Snapshot
	Transcript(ctx context.Context) ([]live.Turn, error)
	Subscribe(buffer int) (<-chan live.Event, func())

	Connect(ctx context.Context, languageHint string) error
	Disconnect(ctx context.Context) error

	UpdateField(ctx context.Context, id, value string, source intake.Source) error
	ConfirmField(ctx context.Context, id string) error
	RequestStep(ctx context.Context, target string) ([]intake.BlockedField, error)
	ResetForm(ctx context.Context) error

	SendText(text string) bool
	SendAudioFrame(pcm []byte)
}

var _ Engine = (*live.Engine)(nil)

type SessionStatus struct {
	State     live.SessionState `json:"state"`
	SessionID string            `json:"session_id,omitempty"`
}

// Commands runs decoded client commands. The REST routes and the event
// stream share it so both surfaces behave the same.
type Commands struct {
	Engine Engine
	// DefaultLanguage is used when a connect carries no language hint.
	DefaultLanguage string
}

func (c Commands) status() SessionStatus {
	return SessionStatus{State: c.Engine.State(), SessionID: c.Engine.SessionID()}
}

// Execute runs cmd and returns the value to report back: a form snapshot
// for form commands, the session status for session commands.
func (c Commands) Execute(ctx context.Context, cmd any) (any, error) {
	switch cmd := cmd.(type) {
	case protocol.Connect:
		lang := cmd.Language
		if lang == "" {
			lang = c.DefaultLanguage
		}
		if err := c.Engine.Connect(ctx, lang); err != nil {
			return nil, err
		}
		return c.status(), nil
	case protocol.Disconnect:
		if err := c.Engine.Disconnect(ctx); err != nil {
			return nil, err
		}
		return c.status(), nil
	case protocol.UpdateField:
		if err := c.Engine.UpdateField(ctx, cmd.FieldID, cmd.Value, intake.Source(cmd.Source)); err != nil {
			return nil, err
		}
		return c.Engine.Form(), nil
	case protocol.ConfirmField:
		if err := c.Engine.ConfirmField(ctx, cmd.FieldID); err != nil {
			return nil, err
		}
		return c.Engine.Form(), nil
	case protocol.RequestStep:
		blocked, err := c.Engine.RequestStep(ctx, cmd.Target)
		if err != nil {
			return nil, err
		}
		if len(blocked) > 0 {
			return nil, &apierror.StepRefusal{
				Target:  cmd.Target,
				Blocked: blocked,
				Err:     core.NewGatingViolation("request_step", fmt.Sprintf("%d unconfirmed field(s) block %q", len(blocked), cmd.Target)),
			}
		}
		return c.Engine.Form(), nil
	case protocol.ResetForm:
		if err := c.Engine.ResetForm(ctx); err != nil {
			return nil, err
		}
		return c.Engine.Form(), nil
	case protocol.SendText:
		if !c.Engine.SendText(cmd.Text) {
			return nil, apierror.ErrNotConnected
		}
		return c.status(), nil
	case protocol.AudioFrame:
		c.Engine.SendAudioFrame(cmd.PCM)
		return nil, nil
	default:
		return nil, &protocol.DecodeError{Code: "bad_request", Message: fmt.Sprintf("unsupported command %T", cmd), Param: "type"}
	}
}
