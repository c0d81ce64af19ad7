package gemini

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/vango-go/vai-kiosk/pkg/core"
	"github.com/vango-go/vai-kiosk/pkg/core/realtime"
)

// Session is an open Gemini Live session.
type Session struct {
	conn   liveConn
	logger *zap.Logger

	inputMIME        string
	outputSampleRate int

	events  chan realtime.Event
	done    chan struct{}
	closing chan struct{}

	// Function responses must echo the call name; the server only sends it
	// with the call.
	callsMu sync.Mutex
	calls   map[string]string

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool

	errMu sync.Mutex
	err   error
}

var _ realtime.Session = (*Session)(nil)

func newSession(conn liveConn, inputSampleRate, outputSampleRate int, logger *zap.Logger) *Session {
	s := &Session{
		conn:             conn,
		logger:           logger,
		inputMIME:        fmt.Sprintf("audio/pcm;rate=%d", inputSampleRate),
		outputSampleRate: outputSampleRate,
		events:           make(chan realtime.Event, eventBuffer),
		done:             make(chan struct{}),
		closing:          make(chan struct{}),
		calls:            make(map[string]string),
	}
	go s.readLoop()
	return s
}

func (s *Session) Events() <-chan realtime.Event {
	if s == nil {
		return nil
	}
	return s.events
}

func (s *Session) SendAudio(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	return s.send("send audio", func() error {
		return s.conn.SendRealtimeInput(genai.LiveRealtimeInput{
			Audio: &genai.Blob{Data: pcm, MIMEType: s.inputMIME},
		})
	})
}

func (s *Session) SendText(text string) error {
	return s.send("send text", func() error {
		return s.conn.SendClientContent(genai.LiveClientContentInput{
			Turns:        []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)},
			TurnComplete: genai.Ptr(true),
		})
	})
}

func (s *Session) SendToolResult(callID string, result map[string]any) error {
	s.callsMu.Lock()
	name := s.calls[callID]
	delete(s.calls, callID)
	s.callsMu.Unlock()

	return s.send("send tool response", func() error {
		return s.conn.SendToolResponse(genai.LiveToolResponseInput{
			FunctionResponses: []*genai.FunctionResponse{{
				ID:       callID,
				Name:     name,
				Response: result,
			}},
		})
	})
}

func (s *Session) send(op string, fn func() error) error {
	if s == nil {
		return fmt.Errorf("session must not be nil")
	}
	if s.closed.Load() {
		return core.NewTransportError(op, fmt.Errorf("realtime session is closed"))
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := fn(); err != nil {
		return core.NewTransportError(op, err)
	}
	return nil
}

func (s *Session) Close() error {
	if s == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.closing)
		_ = s.conn.Close()
	})
	<-s.done
	return nil
}

func (s *Session) Err() error {
	if s == nil {
		return nil
	}
	<-s.done
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Session) setErr(err error) {
	if err == nil {
		return
	}
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *Session) readLoop() {
	defer close(s.done)
	defer close(s.events)

	for {
		msg, err := s.conn.Receive()
		if err != nil {
			if !s.closed.Load() {
				s.setErr(core.NewTransportError("receive", err))
			}
			return
		}
		for _, event := range s.translate(msg) {
			if !s.emitEvent(event) {
				return
			}
		}
		if msg.GoAway != nil {
			s.logger.Info("server requested disconnect", zap.Any("time_left", msg.GoAway.TimeLeft))
		}
	}
}

func (s *Session) emitEvent(event realtime.Event) bool {
	select {
	case s.events <- event:
		return true
	case <-s.closing:
		return false
	}
}

// translate maps one server message to events. Order inside a message follows
// the natural reading order: interruption, input transcript, model audio,
// output transcript, tool calls, turn completion.
func (s *Session) translate(msg *genai.LiveServerMessage) []realtime.Event {
	if msg == nil {
		return nil
	}
	var out []realtime.Event

	if sc := msg.ServerContent; sc != nil {
		if sc.Interrupted {
			out = append(out, realtime.InterruptedEvent{})
		}
		if tr := sc.InputTranscription; tr != nil {
			out = appendTranscript(out, realtime.RoleUser, tr)
		}
		if sc.ModelTurn != nil {
			for _, part := range sc.ModelTurn.Parts {
				if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
					continue
				}
				if !strings.HasPrefix(part.InlineData.MIMEType, "audio/") {
					continue
				}
				out = append(out, realtime.AudioDeltaEvent{
					PCM:        part.InlineData.Data,
					SampleRate: s.outputSampleRate,
				})
			}
		}
		if tr := sc.OutputTranscription; tr != nil {
			out = appendTranscript(out, realtime.RoleModel, tr)
		}
		if sc.TurnComplete {
			out = append(out,
				realtime.TranscriptDeltaEvent{Role: realtime.RoleModel, Final: true},
				realtime.TurnCompleteEvent{},
			)
		}
	}

	if tc := msg.ToolCall; tc != nil {
		for _, call := range tc.FunctionCalls {
			if call == nil {
				continue
			}
			s.callsMu.Lock()
			s.calls[call.ID] = call.Name
			s.callsMu.Unlock()
			args := call.Args
			if args == nil {
				args = map[string]any{}
			}
			out = append(out, realtime.ToolCallEvent{ID: call.ID, Name: call.Name, Args: args})
		}
	}

	if len(out) == 0 && msg.SetupComplete == nil {
		out = append(out, realtime.UnknownEvent{Type: describe(msg)})
	}
	return out
}

func appendTranscript(out []realtime.Event, role realtime.Role, tr *genai.Transcription) []realtime.Event {
	if tr.Text != "" {
		out = append(out, realtime.TranscriptDeltaEvent{Role: role, Text: tr.Text})
	}
	if tr.Finished {
		out = append(out, realtime.TranscriptDeltaEvent{Role: role, Final: true})
	}
	return out
}
