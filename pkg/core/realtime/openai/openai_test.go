package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-kiosk/pkg/core"
	"github.com/vango-go/vai-kiosk/pkg/core/realtime"
)

func newRealtimeTestServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) (string, func()) {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/realtime" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		handler(conn, r)
	}))

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/v1/realtime"
	return wsURL, server.Close
}

func testSessionConfig() realtime.SessionConfig {
	return realtime.SessionConfig{
		Model:            "gpt-test",
		Voice:            "alloy",
		Instructions:     "run the intake",
		LanguageHint:     "es-MX",
		InputSampleRate:  SampleRate,
		OutputSampleRate: SampleRate,
		Credential:       "sk-test",
		Tools: []realtime.ToolDecl{{
			Name:   "confirm_field",
			Params: []realtime.Param{{Name: "field_id", Required: true}},
		}},
	}
}

// acceptSession plays the server side of the configuration round-trip and
// returns the decoded session.update frame.
func acceptSession(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.WriteJSON(map[string]any{"type": "session.created", "session": map[string]any{"id": "sess_1"}})
	var update map[string]any
	if err := conn.ReadJSON(&update); err != nil {
		t.Errorf("read session.update: %v", err)
		return nil
	}
	_ = conn.WriteJSON(map[string]any{"type": "session.updated"})
	return update
}

func TestConnect_ConfigRoundTripAndEvents(t *testing.T) {
	t.Parallel()

	updateCh := make(chan map[string]any, 1)
	authCh := make(chan string, 1)
	serverURL, closeServer := newRealtimeTestServer(t, func(conn *websocket.Conn, r *http.Request) {
		defer conn.Close()
		authCh <- r.Header.Get("Authorization") + " " + r.URL.Query().Get("model")
		updateCh <- acceptSession(t, conn)

		_ = conn.WriteJSON(map[string]any{"type": "conversation.item.input_audio_transcription.completed", "item_id": "i1", "transcript": "hola"})
		_ = conn.WriteJSON(map[string]any{"type": "response.audio.delta", "delta": base64.StdEncoding.EncodeToString([]byte{1, 0, 2, 0})})
		_ = conn.WriteJSON(map[string]any{"type": "response.audio_transcript.delta", "delta": "Buenos"})
		_ = conn.WriteJSON(map[string]any{"type": "response.function_call_arguments.done", "call_id": "call_1", "name": "confirm_field", "arguments": `{"field_id":"full_name"}`})
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
	})
	defer closeServer()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	sess, err := New(Config{URL: serverURL}).Connect(ctx, testSessionConfig())
	if err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	defer sess.Close()

	if got := <-authCh; got != "Bearer sk-test gpt-test" {
		t.Fatalf("auth/model=%q", got)
	}
	update := <-updateCh
	if update["type"] != "session.update" {
		t.Fatalf("first client frame=%v", update["type"])
	}
	params := update["session"].(map[string]any)
	if params["voice"] != "alloy" || params["instructions"] != "run the intake" {
		t.Fatalf("session params=%v", params)
	}
	transcription := params["input_audio_transcription"].(map[string]any)
	if transcription["language"] != "es" {
		t.Fatalf("language=%v, want es", transcription["language"])
	}
	if tools := params["tools"].([]any); len(tools) != 1 {
		t.Fatalf("tools=%v", tools)
	}

	var got []realtime.Event
	for event := range sess.Events() {
		got = append(got, event)
	}
	if err := sess.Err(); err != nil {
		t.Fatalf("session err: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("events=%d (%#v), want 5", len(got), got)
	}
	if e, ok := got[0].(realtime.TranscriptDeltaEvent); !ok || e.Role != realtime.RoleUser || e.Text != "hola" {
		t.Fatalf("event[0]=%#v", got[0])
	}
	if e, ok := got[1].(realtime.TranscriptDeltaEvent); !ok || !e.Final || e.Role != realtime.RoleUser {
		t.Fatalf("event[1]=%#v", got[1])
	}
	if e, ok := got[2].(realtime.AudioDeltaEvent); !ok || len(e.PCM) != 4 || e.SampleRate != SampleRate {
		t.Fatalf("event[2]=%#v", got[2])
	}
	if e, ok := got[3].(realtime.TranscriptDeltaEvent); !ok || e.Role != realtime.RoleModel || e.Text != "Buenos" {
		t.Fatalf("event[3]=%#v", got[3])
	}
	call, ok := got[4].(realtime.ToolCallEvent)
	if !ok || call.ID != "call_1" || call.Name != "confirm_field" || call.Args["field_id"] != "full_name" {
		t.Fatalf("event[4]=%#v", got[4])
	}
}

func TestConnect_HandshakeErrorIsConnectionError(t *testing.T) {
	t.Parallel()

	serverURL, closeServer := newRealtimeTestServer(t, func(conn *websocket.Conn, r *http.Request) {
		defer conn.Close()
		_ = conn.WriteJSON(map[string]any{"type": "session.created"})
		var update json.RawMessage
		_ = conn.ReadJSON(&update)
		_ = conn.WriteJSON(map[string]any{
			"type":  "error",
			"error": map[string]any{"type": "invalid_request_error", "code": "invalid_value", "message": "unknown voice"},
		})
	})
	defer closeServer()

	_, err := New(Config{URL: serverURL}).Connect(context.Background(), testSessionConfig())
	if err == nil {
		t.Fatalf("expected handshake error")
	}
	if !core.IsKind(err, core.KindHandshake) {
		t.Fatalf("kind=%q, want handshake (err=%v)", core.KindOf(err), err)
	}
	if !errors.Is(err, core.ErrConnection) {
		t.Fatalf("expected ErrConnection match")
	}
	if !strings.Contains(err.Error(), "unknown voice") {
		t.Fatalf("error=%q, expected server message", err.Error())
	}
}

func TestConnect_RejectsUnsupportedSampleRate(t *testing.T) {
	t.Parallel()

	cfg := testSessionConfig()
	cfg.InputSampleRate = 16000
	_, err := New(Config{URL: "ws://127.0.0.1:1/v1/realtime"}).Connect(context.Background(), cfg)
	if !core.IsKind(err, core.KindHandshake) {
		t.Fatalf("err=%v, want handshake error", err)
	}
}

func TestConnect_UnreachableIsTransportError(t *testing.T) {
	t.Parallel()

	serverURL, closeServer := newRealtimeTestServer(t, func(conn *websocket.Conn, r *http.Request) {})
	closeServer()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := New(Config{URL: serverURL}).Connect(ctx, testSessionConfig())
	if !core.IsKind(err, core.KindTransport) {
		t.Fatalf("err=%v, want transport error", err)
	}
}

func TestConnect_CancelDuringHandshake(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	serverURL, closeServer := newRealtimeTestServer(t, func(conn *websocket.Conn, r *http.Request) {
		defer conn.Close()
		<-release
	})
	defer closeServer()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := New(Config{URL: serverURL}).Connect(ctx, testSessionConfig())
	if err == nil {
		t.Fatalf("expected error after cancel")
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v, want context.Canceled in chain", err)
	}
}

func TestSession_SendToolResultFrames(t *testing.T) {
	t.Parallel()

	framesCh := make(chan []map[string]any, 1)
	serverURL, closeServer := newRealtimeTestServer(t, func(conn *websocket.Conn, r *http.Request) {
		defer conn.Close()
		acceptSession(t, conn)
		var frames []map[string]any
		for i := 0; i < 3; i++ {
			var frame map[string]any
			if err := conn.ReadJSON(&frame); err != nil {
				break
			}
			frames = append(frames, frame)
		}
		framesCh <- frames
	})
	defer closeServer()

	sess, err := New(Config{URL: serverURL}).Connect(context.Background(), testSessionConfig())
	if err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	defer sess.Close()

	if err := sess.SendAudio([]byte{0, 1}); err != nil {
		t.Fatalf("SendAudio error: %v", err)
	}
	if err := sess.SendToolResult("call_9", realtime.OKResult()); err != nil {
		t.Fatalf("SendToolResult error: %v", err)
	}

	frames := <-framesCh
	if len(frames) != 3 {
		t.Fatalf("frames=%v", frames)
	}
	if frames[0]["type"] != "input_audio_buffer.append" || frames[0]["audio"] != base64.StdEncoding.EncodeToString([]byte{0, 1}) {
		t.Fatalf("frame[0]=%v", frames[0])
	}
	item := frames[1]["item"].(map[string]any)
	if frames[1]["type"] != "conversation.item.create" || item["type"] != "function_call_output" || item["call_id"] != "call_9" {
		t.Fatalf("frame[1]=%v", frames[1])
	}
	if item["output"] != `{"result":"ok"}` {
		t.Fatalf("output=%v", item["output"])
	}
	if frames[2]["type"] != "response.create" {
		t.Fatalf("frame[2]=%v", frames[2])
	}
}

// waitEvent reads sess events until match reports true.
func waitEvent(t *testing.T, sess realtime.Session, match func(realtime.Event) bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-sess.Events():
			if !ok {
				t.Fatalf("events closed")
			}
			if match(ev) {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event")
		}
	}
}

// readTypes reads n frames and returns their types.
func readTypes(conn *websocket.Conn, n int) []string {
	var types []string
	for i := 0; i < n; i++ {
		var frame map[string]any
		if err := conn.ReadJSON(&frame); err != nil {
			break
		}
		typ, _ := frame["type"].(string)
		types = append(types, typ)
	}
	return types
}

func TestSession_ResponseCreateWaitsForActiveResponse(t *testing.T) {
	t.Parallel()

	typesCh := make(chan []string, 1)
	serverURL, closeServer := newRealtimeTestServer(t, func(conn *websocket.Conn, r *http.Request) {
		defer conn.Close()
		acceptSession(t, conn)
		_ = conn.WriteJSON(map[string]any{"type": "response.created"})
		_ = conn.WriteJSON(map[string]any{"type": "response.output_audio.delta", "delta": "AAA="})

		types := readTypes(conn, 2)
		_ = conn.WriteJSON(map[string]any{"type": "response.done"})
		types = append(types, readTypes(conn, 1)...)

		// Nothing else may follow: one response for both items.
		_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		types = append(types, readTypes(conn, 1)...)
		typesCh <- types
	})
	defer closeServer()

	sess, err := New(Config{URL: serverURL}).Connect(context.Background(), testSessionConfig())
	if err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	defer sess.Close()

	waitEvent(t, sess, func(ev realtime.Event) bool {
		_, ok := ev.(realtime.AudioDeltaEvent)
		return ok
	})
	if err := sess.SendToolResult("call_1", realtime.OKResult()); err != nil {
		t.Fatalf("SendToolResult error: %v", err)
	}
	if err := sess.SendText("the receipt step needs the name confirmed"); err != nil {
		t.Fatalf("SendText error: %v", err)
	}

	got := <-typesCh
	want := []string{"conversation.item.create", "conversation.item.create", "response.create"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("frames=%v, want %v", got, want)
	}
}

func TestSession_RejectedResponseCreateDoesNotBlockNext(t *testing.T) {
	t.Parallel()

	typesCh := make(chan []string, 1)
	serverURL, closeServer := newRealtimeTestServer(t, func(conn *websocket.Conn, r *http.Request) {
		defer conn.Close()
		acceptSession(t, conn)
		types := readTypes(conn, 2)
		_ = conn.WriteJSON(map[string]any{
			"type":  "error",
			"error": map[string]any{"type": "invalid_request_error", "code": "invalid_value", "message": "nope"},
		})
		types = append(types, readTypes(conn, 2)...)
		typesCh <- types
	})
	defer closeServer()

	sess, err := New(Config{URL: serverURL}).Connect(context.Background(), testSessionConfig())
	if err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	defer sess.Close()

	if err := sess.SendText("hola"); err != nil {
		t.Fatalf("SendText error: %v", err)
	}
	waitEvent(t, sess, func(ev realtime.Event) bool {
		_, ok := ev.(realtime.ErrorEvent)
		return ok
	})
	if err := sess.SendText("hola otra vez"); err != nil {
		t.Fatalf("SendText error: %v", err)
	}

	got := <-typesCh
	want := []string{"conversation.item.create", "response.create", "conversation.item.create", "response.create"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("frames=%v, want %v", got, want)
	}
}

func TestFrameDecoder_ResponseLifecycle(t *testing.T) {
	d := newFrameDecoder(SampleRate)
	var sigs []responseSignal
	d.onResponse = func(sig responseSignal) { sigs = append(sigs, sig) }

	events, err := d.decode([]byte(`{"type":"response.created","response":{"id":"resp_1"}}`))
	if err != nil || len(events) != 0 {
		t.Fatalf("response.created events=%v err=%v", events, err)
	}
	if _, err := d.decode([]byte(`{"type":"error","error":{"type":"invalid_request_error","code":"conversation_already_has_active_response"}}`)); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	events, _ = d.decode([]byte(`{"type":"response.done"}`))
	if _, ok := events[0].(realtime.TurnCompleteEvent); !ok {
		t.Fatalf("response.done event=%#v", events[0])
	}
	_, _ = d.decode([]byte(`{"type":"error","error":{"type":"server_error","message":"boom"}}`))

	want := []responseSignal{responseCreated, responseDone, responseRejected}
	if len(sigs) != len(want) {
		t.Fatalf("signals=%v, want %v", sigs, want)
	}
	for i := range want {
		if sigs[i] != want[i] {
			t.Fatalf("signals=%v, want %v", sigs, want)
		}
	}
}

func TestSession_CloseIsIdempotentAndStopsSends(t *testing.T) {
	t.Parallel()

	serverURL, closeServer := newRealtimeTestServer(t, func(conn *websocket.Conn, r *http.Request) {
		defer conn.Close()
		acceptSession(t, conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer closeServer()

	sess, err := New(Config{URL: serverURL}).Connect(context.Background(), testSessionConfig())
	if err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close error: %v", err)
	}
	if err := sess.SendText("hello"); !core.IsKind(err, core.KindTransport) {
		t.Fatalf("SendText after close err=%v", err)
	}
}

func TestFrameDecoder_UserDeltasSuppressCompletedText(t *testing.T) {
	d := newFrameDecoder(SampleRate)

	events, err := d.decode([]byte(`{"type":"conversation.item.input_audio_transcription.delta","item_id":"i1","delta":"My name"}`))
	if err != nil || len(events) != 1 {
		t.Fatalf("delta events=%v err=%v", events, err)
	}
	events, err = d.decode([]byte(`{"type":"conversation.item.input_audio_transcription.completed","item_id":"i1","transcript":"My name is Ana"}`))
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("completed events=%#v, want only the final marker", events)
	}
	if e := events[0].(realtime.TranscriptDeltaEvent); !e.Final || e.Text != "" {
		t.Fatalf("event=%#v", e)
	}
}

func TestFrameDecoder_MalformedArgumentsKeepRaw(t *testing.T) {
	d := newFrameDecoder(SampleRate)
	events, err := d.decode([]byte(`{"type":"response.function_call_arguments.done","call_id":"c","name":"update_field","arguments":"{not json"}`))
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	call := events[0].(realtime.ToolCallEvent)
	if call.Args != nil {
		t.Fatalf("Args=%v, want nil", call.Args)
	}
	if call.RawArgs != "{not json" {
		t.Fatalf("RawArgs=%q", call.RawArgs)
	}
}

func TestFrameDecoder_UnknownAndErrors(t *testing.T) {
	d := newFrameDecoder(SampleRate)

	events, err := d.decode([]byte(`{"type":"rate_limits.updated"}`))
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if u, ok := events[0].(realtime.UnknownEvent); !ok || u.Type != "rate_limits.updated" {
		t.Fatalf("event=%#v", events[0])
	}

	events, _ = d.decode([]byte(`{"type":"error","error":{"type":"server_error","message":"boom"}}`))
	if e, ok := events[0].(realtime.ErrorEvent); !ok || e.Code != "server_error" || e.Message != "boom" {
		t.Fatalf("event=%#v", events[0])
	}

	if _, err := d.decode([]byte(`{"type":""}`)); err == nil {
		t.Fatalf("expected missing type error")
	}
	if _, err := d.decode([]byte(`not json`)); err == nil {
		t.Fatalf("expected envelope error")
	}
}

func TestEndpointURL(t *testing.T) {
	got, err := endpointURL("https://example.test/v1/realtime", "gpt x")
	if err != nil {
		t.Fatalf("endpointURL error: %v", err)
	}
	if got != "wss://example.test/v1/realtime?model=gpt+x" {
		t.Fatalf("url=%q", got)
	}
	if _, err := endpointURL("ftp://example.test", "m"); err == nil {
		t.Fatalf("expected scheme error")
	}
}

func TestIsoLanguage(t *testing.T) {
	tests := map[string]string{"en-US": "en", "es_MX": "es", "fr": "fr", "": ""}
	for in, want := range tests {
		if got := isoLanguage(in); got != want {
			t.Errorf("isoLanguage(%q)=%q, want %q", in, got, want)
		}
	}
}
