package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vango-go/vai-kiosk/pkg/core/live"
	"github.com/vango-go/vai-kiosk/pkg/kiosk/apierror"
	"github.com/vango-go/vai-kiosk/pkg/kiosk/mw"
	"github.com/vango-go/vai-kiosk/pkg/kiosk/protocol"
	"github.com/vango-go/vai-kiosk/pkg/kiosk/streams"
)

const (
	defaultPingInterval    = 20 * time.Second
	defaultWriteTimeout    = 5 * time.Second
	defaultMaxMessageBytes = 64 << 10
	outboundQueue          = 64
)

var errStreamFull = errors.New("stream outbound queue full")

// EventsHandler upgrades GET /v1/events to a websocket that streams engine
// events and accepts UI commands. Binary frames are raw PCM16 microphone
// audio from a browser capture.
type EventsHandler struct {
	Commands Commands
	Streams  *streams.Registry
	Logger   *zap.Logger
	Draining func() bool

	// AllowedOrigins lists cross-origin UIs. Same-host requests and
	// requests without an Origin header are always allowed.
	AllowedOrigins []string

	EventBuffer     int
	PingInterval    time.Duration
	WriteTimeout    time.Duration
	MaxMessageBytes int64
}

func (h EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	if h.Draining != nil && h.Draining() {
		apierror.Write(w, http.StatusServiceUnavailable, &apierror.Body{Kind: apierror.KindUnavailable, Message: "kiosk is draining", RequestID: reqID})
		return
	}
	if !h.originAllowed(r) {
		apierror.Write(w, http.StatusForbidden, &apierror.Body{Kind: apierror.KindInvalidRequest, Message: "origin is not allowed", Param: "Origin", RequestID: reqID})
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	maxBytes := h.MaxMessageBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxMessageBytes
	}
	conn.SetReadLimit(maxBytes)

	id := reqID
	if id == "" {
		id = uuid.NewString()
	}
	logger := h.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("stream_id", id))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Subscribe before the snapshot so nothing falls between them.
	events, unsubscribe := h.Commands.Engine.Subscribe(h.EventBuffer)
	defer unsubscribe()

	s := &stream{
		conn:         conn,
		logger:       logger,
		out:          make(chan []byte, outboundQueue),
		done:         make(chan struct{}),
		cancel:       cancel,
		writeTimeout: h.WriteTimeout,
	}
	if s.writeTimeout <= 0 {
		s.writeTimeout = defaultWriteTimeout
	}

	remove := h.Streams.Add(id, streams.Handle{Notify: s.enqueue, Close: s.shutdown})
	defer remove()

	hello, err := h.hello(ctx)
	if err != nil {
		logger.Warn("event stream hello", zap.Error(err))
		return
	}
	if err := s.write(websocket.TextMessage, hello); err != nil {
		return
	}
	logger.Debug("event stream opened")

	ping := h.PingInterval
	if ping <= 0 {
		ping = defaultPingInterval
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writeLoop(events, ping)
	}()

	h.readLoop(ctx, s)
	s.shutdown("client_closed")
	wg.Wait()
	logger.Debug("event stream closed")
}

func (h EventsHandler) hello(ctx context.Context) ([]byte, error) {
	turns, err := h.Commands.Engine.Transcript(ctx)
	if err != nil {
		return nil, err
	}
	return protocol.EncodeHello(protocol.ServerHello{
		State:      h.Commands.Engine.State(),
		SessionID:  h.Commands.Engine.SessionID(),
		Form:       h.Commands.Engine.Form(),
		Transcript: turns,
	})
}

func (h EventsHandler) readLoop(ctx context.Context, s *stream) {
	var inflight sync.WaitGroup
	defer inflight.Wait()

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType == websocket.BinaryMessage {
			if len(data) > 0 && len(data)%2 == 0 {
				h.Commands.Engine.SendAudioFrame(data)
			}
			continue
		}

		cmd, err := protocol.DecodeCommand(data)
		if err != nil {
			s.replyError("", err)
			continue
		}

		switch cmd.(type) {
		case protocol.Connect, protocol.Disconnect:
			// These block on the provider handshake; running them inline
			// would stop a disconnect from reaching a connect in flight.
			inflight.Add(1)
			go func() {
				defer inflight.Done()
				h.execute(ctx, s, cmd)
			}()
		default:
			h.execute(ctx, s, cmd)
		}
	}
}

func (h EventsHandler) execute(ctx context.Context, s *stream, cmd any) {
	name := protocol.CommandType(cmd)
	out, err := h.Commands.Execute(ctx, cmd)
	if err != nil {
		s.replyError(name, err)
		return
	}
	if name == protocol.TypeAudioFrame {
		return
	}
	frame, err := protocol.EncodeCommandResult(name, out)
	if err != nil {
		s.logger.Warn("encode command result", zap.String("command", name), zap.Error(err))
		return
	}
	_ = s.enqueue(frame)
}

func (h EventsHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	if u, err := url.Parse(origin); err == nil && strings.EqualFold(u.Host, r.Host) {
		return true
	}
	for _, allowed := range h.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// stream owns one websocket. Only writeLoop writes after the hello frame.
type stream struct {
	conn         *websocket.Conn
	logger       *zap.Logger
	out          chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	cancel       context.CancelFunc
	writeTimeout time.Duration
	reason       string
}

func (s *stream) enqueue(frame []byte) error {
	select {
	case <-s.done:
		return websocket.ErrCloseSent
	default:
	}
	select {
	case s.out <- frame:
		return nil
	case <-s.done:
		return websocket.ErrCloseSent
	default:
		return errStreamFull
	}
}

func (s *stream) replyError(command string, err error) {
	body, _ := apierror.FromError(err, "")
	frame, encErr := protocol.EncodeCommandError(command, body)
	if encErr != nil {
		return
	}
	_ = s.enqueue(frame)
}

// shutdown stops the writer and unblocks the reader. The reason goes out in
// the websocket close frame.
func (s *stream) shutdown(reason string) {
	s.closeOnce.Do(func() {
		s.reason = reason
		close(s.done)
		s.cancel()
	})
}

func (s *stream) write(msgType int, data []byte) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return s.conn.WriteMessage(msgType, data)
}

func (s *stream) writeLoop(events <-chan live.Event, ping time.Duration) {
	ticker := time.NewTicker(ping)
	defer ticker.Stop()
	defer func() {
		// Unblock ReadMessage in the handler goroutine.
		_ = s.conn.SetReadDeadline(time.Now())
	}()

	for {
		select {
		case <-s.done:
			s.drain()
			_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode(s.reason), s.reason), time.Now().Add(s.writeTimeout))
			return
		case ev, ok := <-events:
			if !ok {
				s.shutdown("engine_closed")
				continue
			}
			frame, err := protocol.EncodeEvent(ev)
			if err != nil {
				s.logger.Warn("encode event", zap.String("type", ev.EventType()), zap.Error(err))
				continue
			}
			if err := s.write(websocket.TextMessage, frame); err != nil {
				s.shutdown("write_failed")
				continue
			}
		case frame := <-s.out:
			if err := s.write(websocket.TextMessage, frame); err != nil {
				s.shutdown("write_failed")
				continue
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout)); err != nil {
				s.shutdown("ping_failed")
			}
		}
	}
}

func closeCode(reason string) int {
	switch reason {
	case "shutting_down", "engine_closed":
		return websocket.CloseGoingAway
	case "write_failed", "ping_failed":
		return websocket.CloseInternalServerErr
	default:
		return websocket.CloseNormalClosure
	}
}

// drain flushes frames queued before shutdown.
func (s *stream) drain() {
	for {
		select {
		case frame := <-s.out:
			if err := s.write(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}
