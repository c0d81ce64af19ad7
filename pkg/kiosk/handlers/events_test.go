package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-kiosk/pkg/core/live"
	"github.com/vango-go/vai-kiosk/pkg/kiosk/protocol"
	"github.com/vango-go/vai-kiosk/pkg/kiosk/streams"
)

type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type eventsFixture struct {
	eng     *fakeEngine
	streams *streams.Registry
	server  *httptest.Server
	url     string
}

func newEventsFixture(t *testing.T, h EventsHandler) *eventsFixture {
	t.Helper()
	eng := newFakeEngine(t)
	reg := streams.NewRegistry(nil)
	h.Commands = Commands{Engine: eng}
	h.Streams = reg

	r := chi.NewRouter()
	r.Method(http.MethodGet, "/v1/events", h)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &eventsFixture{
		eng:     eng,
		streams: reg,
		server:  srv,
		url:     "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/events",
	}
}

func (f *eventsFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(f.url, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial: %v (status %d)", err, status)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return f
}

// readUntil skips frames until one of the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) frame {
	t.Helper()
	for i := 0; i < 20; i++ {
		if f := readFrame(t, conn); f.Type == typ {
			return f
		}
	}
	t.Fatalf("no %s frame", typ)
	return frame{}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestEvents_HelloThenEvents(t *testing.T) {
	f := newEventsFixture(t, EventsHandler{})
	conn := f.dial(t)

	hello := readFrame(t, conn)
	if hello.Type != protocol.TypeHello {
		t.Fatalf("first frame=%s, want hello", hello.Type)
	}
	var data protocol.ServerHello
	if err := json.Unmarshal(hello.Data, &data); err != nil {
		t.Fatalf("unmarshal hello: %v", err)
	}
	if data.State != live.StateDisconnected || data.Form.CurrentStep != "photo" || len(data.Transcript) != 1 {
		t.Fatalf("hello=%+v", data)
	}

	waitFor(t, "subscription", func() bool { return f.eng.subscribers() == 1 })
	f.eng.publish(&live.StateChangedEvent{From: live.StateDisconnected, To: live.StateConnecting})

	ev := readFrame(t, conn)
	if ev.Type != "state.changed" || !strings.Contains(string(ev.Data), `"to":"connecting"`) {
		t.Fatalf("event=%s %s", ev.Type, ev.Data)
	}
	if f.streams.Len() != 1 {
		t.Fatalf("streams=%d, want 1", f.streams.Len())
	}
}

func TestEvents_CommandsAndErrors(t *testing.T) {
	f := newEventsFixture(t, EventsHandler{})
	conn := f.dial(t)
	readFrame(t, conn)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"update_field","field_id":"phone","value":"555"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	res := readUntil(t, conn, protocol.TypeCommandResult)
	if !strings.Contains(string(res.Data), `"command":"update_field"`) {
		t.Fatalf("result=%s", res.Data)
	}
	if field, _ := f.eng.form.Field("phone"); field.Value != "555" {
		t.Fatalf("phone=%q", field.Value)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"request_step","target":"receipt"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	refused := readUntil(t, conn, protocol.TypeCommandError)
	if !strings.Contains(string(refused.Data), `"kind":"gating_violation"`) || !strings.Contains(string(refused.Data), `"blocked"`) {
		t.Fatalf("refusal=%s", refused.Data)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"teleport"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	bad := readUntil(t, conn, protocol.TypeCommandError)
	if !strings.Contains(string(bad.Data), `"kind":"invalid_request"`) {
		t.Fatalf("bad frame reply=%s", bad.Data)
	}
}

func TestEvents_ConnectRunsAsync(t *testing.T) {
	f := newEventsFixture(t, EventsHandler{})
	conn := f.dial(t)
	readFrame(t, conn)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"connect","language":"es"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	res := readUntil(t, conn, protocol.TypeCommandResult)
	if !strings.Contains(string(res.Data), `"state":"connected"`) {
		t.Fatalf("connect result=%s", res.Data)
	}
}

func TestEvents_BinaryFramesAreAudio(t *testing.T) {
	f := newEventsFixture(t, EventsHandler{})
	conn := f.dial(t)
	readFrame(t, conn)

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("write: %v", err)
	}
	// Odd length is not PCM16 and is ignored.
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{5, 6}); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, "two frames", func() bool { return f.eng.frameCount() == 2 })
}

func TestEvents_ClientCloseUnregisters(t *testing.T) {
	f := newEventsFixture(t, EventsHandler{})
	conn := f.dial(t)
	readFrame(t, conn)
	waitFor(t, "registration", func() bool { return f.streams.Len() == 1 })

	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	_ = conn.Close()

	waitFor(t, "unregister", func() bool { return f.streams.Len() == 0 })
	waitFor(t, "unsubscribe", func() bool { return f.eng.subscribers() == 0 })
}

func TestEvents_CloseAllSendsGoingAway(t *testing.T) {
	f := newEventsFixture(t, EventsHandler{})
	conn := f.dial(t)
	readFrame(t, conn)
	waitFor(t, "registration", func() bool { return f.streams.Len() == 1 })

	f.streams.CloseAll("shutting_down")

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
			t.Fatalf("err=%v, want going away close", err)
		}
		break
	}
}

func TestEvents_OriginCheck(t *testing.T) {
	f := newEventsFixture(t, EventsHandler{AllowedOrigins: []string{"http://kiosk.local"}})

	header := http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(f.url, header)
	if err == nil {
		t.Fatalf("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("resp=%v", resp)
	}

	header = http.Header{"Origin": []string{"http://kiosk.local"}}
	conn, _, err := websocket.DefaultDialer.Dial(f.url, header)
	if err != nil {
		t.Fatalf("allowed origin dial: %v", err)
	}
	_ = conn.Close()
}

func TestEvents_DrainingRefusesUpgrade(t *testing.T) {
	f := newEventsFixture(t, EventsHandler{Draining: func() bool { return true }})
	_, resp, err := websocket.DefaultDialer.Dial(f.url, nil)
	if err == nil {
		t.Fatalf("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("resp=%v", resp)
	}
}
