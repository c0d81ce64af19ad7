package openai

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vango-go/vai-kiosk/pkg/core"
	"github.com/vango-go/vai-kiosk/pkg/core/realtime"
)

// Session is an open OpenAI Realtime websocket.
type Session struct {
	conn   *websocket.Conn
	logger *zap.Logger

	events  chan realtime.Event
	done    chan struct{}
	closing chan struct{}
	decoder *frameDecoder

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool

	// The server rejects response.create while a response is in progress,
	// so requests made then are folded into one sent on response.done.
	respMu          sync.Mutex
	responseActive  bool
	responseStarted bool // response.created seen for the active response
	responsePending bool

	errMu sync.Mutex
	err   error
}

var _ realtime.Session = (*Session)(nil)

func newSession(conn *websocket.Conn, outputSampleRate int, logger *zap.Logger) *Session {
	s := &Session{
		conn:    conn,
		logger:  logger,
		events:  make(chan realtime.Event, eventBuffer),
		done:    make(chan struct{}),
		closing: make(chan struct{}),
		decoder: newFrameDecoder(outputSampleRate),
	}
	s.decoder.onResponse = s.observeResponse
	go s.readLoop()
	return s
}

// Events yields inbound events until the websocket closes.
func (s *Session) Events() <-chan realtime.Event {
	if s == nil {
		return nil
	}
	return s.events
}

// SendAudio appends base64 PCM16 to the server input buffer.
func (s *Session) SendAudio(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	return s.sendJSON(audioAppend{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
}

// SendText adds a user message and requests a response. While a response is
// in progress the request is deferred until it finishes.
func (s *Session) SendText(text string) error {
	if err := s.sendJSON(itemCreate{
		Type: "conversation.item.create",
		Item: conversation{
			Type:    "message",
			Role:    "user",
			Content: []contentPart{{Type: "input_text", Text: text}},
		},
	}); err != nil {
		return err
	}
	return s.requestResponse()
}

// SendToolResult adds a function_call_output item and requests a response.
// Tool calls arrive inside an active response, so the request normally
// waits for response.done.
func (s *Session) SendToolResult(callID string, result map[string]any) error {
	output, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode tool result: %w", err)
	}
	if err := s.sendJSON(itemCreate{
		Type: "conversation.item.create",
		Item: conversation{
			Type:   "function_call_output",
			CallID: callID,
			Output: string(output),
		},
	}); err != nil {
		return err
	}
	return s.requestResponse()
}

func (s *Session) requestResponse() error {
	s.respMu.Lock()
	if s.responseActive {
		s.responsePending = true
		s.respMu.Unlock()
		return nil
	}
	s.responseActive = true
	s.responseStarted = false
	s.respMu.Unlock()
	return s.sendJSON(responseCreate{Type: "response.create"})
}

// observeResponse runs on the read loop. A deferred request goes out once
// the active response ends.
func (s *Session) observeResponse(sig responseSignal) {
	s.respMu.Lock()
	switch sig {
	case responseCreated:
		s.responseActive = true
		s.responseStarted = true
		s.respMu.Unlock()
		return
	case responseRejected:
		if !s.responseActive || s.responseStarted {
			s.respMu.Unlock()
			return
		}
	}
	send := s.responsePending
	s.responsePending = false
	s.responseActive = send
	s.responseStarted = false
	s.respMu.Unlock()
	if !send {
		return
	}
	if err := s.sendJSON(responseCreate{Type: "response.create"}); err != nil {
		s.logger.Warn("deferred response.create failed", zap.Error(err))
	}
}

func (s *Session) sendJSON(v any) error {
	if s == nil {
		return fmt.Errorf("session must not be nil")
	}
	if s.closed.Load() {
		return core.NewTransportError("send", fmt.Errorf("realtime session is closed"))
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteJSON(v); err != nil {
		return core.NewTransportError("send", err)
	}
	return nil
}

// Close closes the websocket and waits for the read loop to exit.
func (s *Session) Close() error {
	if s == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.closing)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
		s.writeMu.Unlock()
		_ = s.conn.Close()
	})
	<-s.done
	return nil
}

// Err returns the terminal session error (if any).
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
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			s.setErr(core.NewTransportError("read", err))
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		events, err := s.decoder.decode(data)
		if err != nil {
			// A single bad frame is not worth the session.
			s.logger.Warn("dropping malformed realtime frame", zap.Error(err))
			continue
		}
		for _, event := range events {
			if !s.emitEvent(event) {
				return
			}
		}
	}
}

// emitEvent blocks until the consumer takes the event or the session closes.
// Tool calls and transcripts must not be dropped.
func (s *Session) emitEvent(event realtime.Event) bool {
	select {
	case s.events <- event:
		return true
	case <-s.closing:
		return false
	}
}
