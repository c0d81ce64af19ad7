// Package openai implements realtime.Provider over the OpenAI Realtime
// websocket protocol.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vango-go/vai-kiosk/pkg/core"
	"github.com/vango-go/vai-kiosk/pkg/core/realtime"
)

const (
	DefaultURL                = "wss://api.openai.com/v1/realtime"
	DefaultModel              = "gpt-4o-realtime-preview"
	DefaultTranscriptionModel = "whisper-1"

	// SampleRate is the only PCM16 rate the API accepts and emits.
	SampleRate = 24000

	eventBuffer = 256
)

// Config configures the provider. Zero values select defaults.
type Config struct {
	URL                string
	TranscriptionModel string
	ConnectTimeout     time.Duration
	Dialer             *websocket.Dialer
	Logger             *zap.Logger
}

// Provider opens OpenAI Realtime sessions.
type Provider struct {
	cfg Config
}

// New returns a Provider.
func New(cfg Config) *Provider {
	if strings.TrimSpace(cfg.URL) == "" {
		cfg.URL = DefaultURL
	}
	if strings.TrimSpace(cfg.TranscriptionModel) == "" {
		cfg.TranscriptionModel = DefaultTranscriptionModel
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Provider{cfg: cfg}
}

func (p *Provider) Name() string { return "openai" }

// Connect dials the realtime endpoint, waits for session.created, sends the
// session configuration and returns once session.updated confirms it.
func (p *Provider) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.Session, error) {
	cfg = cfg.WithDefaults()
	if cfg.InputSampleRate != SampleRate || cfg.OutputSampleRate != SampleRate {
		return nil, core.NewHandshakeError("connect", fmt.Sprintf("openai realtime requires %d Hz pcm16 audio", SampleRate), nil)
	}
	if cfg.Credential == "" {
		return nil, core.NewHandshakeError("connect", "missing credential", realtime.ErrNoCredential)
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}

	wsURL, err := endpointURL(p.cfg.URL, model)
	if err != nil {
		return nil, core.NewHandshakeError("connect", "invalid realtime url", err)
	}

	ctx, cancel := realtime.ConnectContext(ctx, p.cfg.ConnectTimeout)
	defer cancel()

	headers := make(http.Header)
	headers.Set("Authorization", "Bearer "+cfg.Credential)
	headers.Set("OpenAI-Beta", "realtime=v1")

	conn, resp, err := p.cfg.Dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, core.NewHandshakeError("dial", fmt.Sprintf("credential rejected (status %d)", resp.StatusCode), err)
		}
		if resp != nil {
			return nil, core.NewTransportError("dial", fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err))
		}
		return nil, core.NewTransportError("dial", err)
	}

	// ReadMessage ignores ctx; closing the conn unblocks it on cancellation.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	if err := handshake(ctx, conn, buildSessionUpdate(cfg, p.cfg.TranscriptionModel)); err != nil {
		stop()
		_ = conn.Close()
		return nil, err
	}
	if !stop() {
		_ = conn.Close()
		return nil, core.NewTransportError("handshake", ctx.Err())
	}

	logger := p.cfg.Logger.With(zap.String("provider", p.Name()), zap.String("model", model))
	logger.Debug("realtime session ready")
	return newSession(conn, cfg.OutputSampleRate, logger), nil
}

func handshake(ctx context.Context, conn *websocket.Conn, update sessionUpdate) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
		defer conn.SetReadDeadline(time.Time{})
	}

	if err := expectFrame(ctx, conn, "session.created"); err != nil {
		return err
	}
	if err := conn.WriteJSON(update); err != nil {
		return core.NewTransportError("send session.update", err)
	}
	return expectFrame(ctx, conn, "session.updated")
}

// expectFrame reads until a frame of the wanted type arrives. An error frame
// rejects the handshake; other frames are skipped.
func expectFrame(ctx context.Context, conn *websocket.Conn, want string) error {
	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return core.NewTransportError("handshake", ctxErr)
			}
			return core.NewTransportError("read "+want, err)
		}
		if messageType != websocket.TextMessage {
			continue
		}
		events, err := newFrameDecoder(SampleRate).decode(payload)
		if err != nil {
			return core.NewHandshakeError("handshake", "malformed frame", err)
		}
		for _, event := range events {
			switch e := event.(type) {
			case realtime.ErrorEvent:
				return core.NewHandshakeError("handshake", strings.TrimSpace(e.Message), errors.New(e.Code))
			case realtime.UnknownEvent:
				if e.Type == want {
					return nil
				}
			}
		}
	}
}

func endpointURL(base, model string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	q := u.Query()
	q.Set("model", model)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
