// Package gemini implements realtime.Provider over the Gemini Live API.
package gemini

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/vango-go/vai-kiosk/pkg/core"
	"github.com/vango-go/vai-kiosk/pkg/core/realtime"
)

const (
	DefaultModel = "gemini-2.0-flash-live-001"

	eventBuffer = 256
)

// liveConn is the subset of *genai.Session the provider uses.
type liveConn interface {
	SendRealtimeInput(input genai.LiveRealtimeInput) error
	SendClientContent(input genai.LiveClientContentInput) error
	SendToolResponse(input genai.LiveToolResponseInput) error
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

type dialFunc func(ctx context.Context, apiKey, model string, cfg *genai.LiveConnectConfig) (liveConn, error)

// Config configures the provider. Zero values select defaults.
type Config struct {
	ConnectTimeout time.Duration
	Logger         *zap.Logger
}

// Provider opens Gemini Live sessions.
type Provider struct {
	cfg  Config
	dial dialFunc
}

// New returns a Provider backed by the genai client.
func New(cfg Config) *Provider {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Provider{cfg: cfg, dial: dialGenAI}
}

func (p *Provider) Name() string { return "gemini" }

func dialGenAI(ctx context.Context, apiKey, model string, cfg *genai.LiveConnectConfig) (liveConn, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, err
	}
	session, err := client.Live.Connect(ctx, model, cfg)
	if err != nil {
		return nil, err
	}
	return session, nil
}

// Connect opens the live session and waits for setupComplete, which the API
// sends once the configuration has been accepted.
func (p *Provider) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.Session, error) {
	cfg = cfg.WithDefaults()
	if cfg.Credential == "" {
		return nil, core.NewHandshakeError("connect", "missing credential", realtime.ErrNoCredential)
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}

	ctx, cancel := realtime.ConnectContext(ctx, p.cfg.ConnectTimeout)
	defer cancel()

	conn, err := p.dial(ctx, cfg.Credential, model, buildConnectConfig(cfg))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, core.NewTransportError("dial", ctxErr)
		}
		return nil, core.NewTransportError("dial", err)
	}

	if err := awaitSetup(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, err
	}

	logger := p.cfg.Logger.With(zap.String("provider", p.Name()), zap.String("model", model))
	logger.Debug("realtime session ready")
	return newSession(conn, cfg.InputSampleRate, cfg.OutputSampleRate, logger), nil
}

func awaitSetup(ctx context.Context, conn liveConn) error {
	type result struct {
		msg *genai.LiveServerMessage
		err error
	}
	ch := make(chan result, 1)
	go func() {
		msg, err := conn.Receive()
		ch <- result{msg, err}
	}()

	select {
	case <-ctx.Done():
		// Closing unblocks the pending Receive.
		_ = conn.Close()
		return core.NewTransportError("handshake", ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return core.NewHandshakeError("handshake", "setup rejected", r.err)
		}
		if r.msg == nil || r.msg.SetupComplete == nil {
			return core.NewHandshakeError("handshake", "expected setupComplete as first message", errors.New(describe(r.msg)))
		}
		return nil
	}
}

func buildConnectConfig(cfg realtime.SessionConfig) *genai.LiveConnectConfig {
	out := &genai.LiveConnectConfig{
		ResponseModalities:       []genai.Modality{genai.ModalityAudio},
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
	}
	if strings.TrimSpace(cfg.Instructions) != "" {
		out.SystemInstruction = genai.NewContentFromText(cfg.Instructions, genai.RoleUser)
	}
	if cfg.Voice != "" || cfg.LanguageHint != "" {
		speech := &genai.SpeechConfig{LanguageCode: cfg.LanguageHint}
		if cfg.Voice != "" {
			speech.VoiceConfig = &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
			}
		}
		out.SpeechConfig = speech
	}
	if len(cfg.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(cfg.Tools))
		for _, tool := range cfg.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  toSchema(tool.Params),
			})
		}
		out.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	return out
}

func toSchema(params []realtime.Param) *genai.Schema {
	schema := &genai.Schema{
		Type:       genai.TypeObject,
		Properties: make(map[string]*genai.Schema, len(params)),
	}
	for _, p := range params {
		prop := &genai.Schema{Type: schemaType(p.Type), Description: p.Description}
		if len(p.Enum) > 0 {
			prop.Enum = append([]string(nil), p.Enum...)
		}
		schema.Properties[p.Name] = prop
		if p.Required {
			schema.Required = append(schema.Required, p.Name)
		}
	}
	return schema
}

func schemaType(t realtime.ParamType) genai.Type {
	switch t {
	case realtime.ParamNumber:
		return genai.TypeNumber
	case realtime.ParamBoolean:
		return genai.TypeBoolean
	default:
		return genai.TypeString
	}
}

func describe(msg *genai.LiveServerMessage) string {
	switch {
	case msg == nil:
		return "empty message"
	case msg.ServerContent != nil:
		return "serverContent"
	case msg.ToolCall != nil:
		return "toolCall"
	case msg.GoAway != nil:
		return "goAway"
	case msg.UsageMetadata != nil:
		return "usageMetadata"
	default:
		return "unknown"
	}
}
