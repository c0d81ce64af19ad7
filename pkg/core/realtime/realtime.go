// Package realtime defines the capability interface every realtime voice
// vendor implements.
//
// A Provider opens a Session against a remote conversational model. The
// Session carries microphone audio and synthetic user text in one direction
// and audio deltas, transcript deltas, tool calls and turn signals in the
// other. The engine in pkg/core/live depends only on this package; vendor
// wire framing stays inside the implementation packages (openai, gemini).
package realtime

import (
	"context"
	"strings"
	"time"
)

const (
	// DefaultInputSampleRate is the microphone rate sent to providers.
	DefaultInputSampleRate = 16000
	// DefaultOutputSampleRate is the model audio rate most providers emit.
	DefaultOutputSampleRate = 24000
	// DefaultConnectTimeout bounds dial plus handshake when the caller's
	// context has no deadline. It is not a session timeout.
	DefaultConnectTimeout = 15 * time.Second
)

// Provider opens realtime sessions for one vendor.
type Provider interface {
	// Name is the configuration key selecting this provider ("openai", "gemini").
	Name() string

	// Connect dials the vendor, performs its configuration round-trip and
	// returns only after the remote side signalled readiness. Errors are
	// *core.Error values of kind handshake or transport.
	Connect(ctx context.Context, cfg SessionConfig) (Session, error)
}

// Session is one open connection to a remote model. Send methods are safe for
// concurrent use but may block on the network; callers that must not block
// queue sends on their own goroutine.
type Session interface {
	// SendAudio appends a PCM16 little-endian mono frame at the input rate.
	SendAudio(pcm []byte) error

	// SendText injects a synthetic user turn and asks the model to respond.
	SendText(text string) error

	// SendToolResult answers the tool call with the given correlation id.
	SendToolResult(callID string, result map[string]any) error

	// Events yields inbound events in delivery order. The channel is closed
	// when the session ends; Err then reports why.
	Events() <-chan Event

	// Err returns the terminal error after Events is closed, nil on a clean close.
	Err() error

	// Close ends the session. Safe to call more than once.
	Close() error
}

// SessionConfig is the provider-neutral session configuration.
type SessionConfig struct {
	Model        string
	Voice        string
	Instructions string
	// LanguageHint is a BCP-47 tag ("en-US", "es-MX"); empty lets the model decide.
	LanguageHint     string
	Tools            []ToolDecl
	InputSampleRate  int
	OutputSampleRate int
	// Credential is the short-lived secret obtained from a TokenSource.
	Credential string
}

// WithDefaults fills unset sample rates.
func (c SessionConfig) WithDefaults() SessionConfig {
	if c.InputSampleRate <= 0 {
		c.InputSampleRate = DefaultInputSampleRate
	}
	if c.OutputSampleRate <= 0 {
		c.OutputSampleRate = DefaultOutputSampleRate
	}
	c.Model = strings.TrimSpace(c.Model)
	c.Voice = strings.TrimSpace(c.Voice)
	c.LanguageHint = strings.TrimSpace(c.LanguageHint)
	return c
}

// ConnectContext applies DefaultConnectTimeout when ctx has no deadline.
func ConnectContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	return context.WithTimeout(ctx, timeout)
}
