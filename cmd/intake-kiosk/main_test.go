package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/vango-go/vai-kiosk/internal/audiodev"
	"github.com/vango-go/vai-kiosk/pkg/config"
	"github.com/vango-go/vai-kiosk/pkg/core/live"
	"github.com/vango-go/vai-kiosk/pkg/core/realtime"
)

type idleProvider struct{}

func (idleProvider) Name() string { return "idle" }

func (idleProvider) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.Session, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func testDeps(cfg config.Config, sigs chan<- chan<- os.Signal) kioskDeps {
	return kioskDeps{
		loadConfig: func() (config.Config, error) { return cfg, nil },
		newLogger:  func(string, string) (*zap.Logger, error) { return zap.NewNop(), nil },
		newProvider: func(config.Config, *zap.Logger) (realtime.Provider, error) {
			return idleProvider{}, nil
		},
		openDevices: func(config.Config, *zap.Logger) ([]live.Option, func(), error) {
			return nil, func() {}, nil
		},
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			if sigs != nil {
				sigs <- c
			}
		},
		signalStop: func(c chan<- os.Signal) {},
	}
}

func TestRunMain_ReturnsNonZeroWhenConfigLoadFails(t *testing.T) {
	t.Parallel()

	deps := testDeps(config.Config{}, nil)
	deps.loadConfig = func() (config.Config, error) {
		return config.Config{}, errors.New("boom")
	}
	deps.newProvider = func(config.Config, *zap.Logger) (realtime.Provider, error) {
		t.Fatalf("newProvider should not be called when config load fails")
		return nil, nil
	}

	var stderr bytes.Buffer
	if code := runMain(context.Background(), &stderr, deps); code != 1 {
		t.Fatalf("exitCode=%d, want 1", code)
	}
	if got := stderr.String(); !strings.Contains(got, "intake-kiosk: load config: boom") {
		t.Fatalf("stderr=%q", got)
	}
}

func TestRunKiosk_MissingDependencies(t *testing.T) {
	t.Parallel()

	deps := testDeps(config.Config{}, nil)
	deps.signalStop = nil
	if err := runKiosk(context.Background(), deps); err == nil {
		t.Fatalf("expected error for missing signal dependency")
	}
}

func TestRunKiosk_DeviceErrorStopsStartup(t *testing.T) {
	t.Parallel()

	deps := testDeps(config.Config{LogLevel: "info"}, nil)
	deps.openDevices = func(config.Config, *zap.Logger) ([]live.Option, func(), error) {
		return nil, nil, errors.New("no ffmpeg")
	}
	err := runKiosk(context.Background(), deps)
	if err == nil || !strings.Contains(err.Error(), "audio devices: no ffmpeg") {
		t.Fatalf("err=%v", err)
	}
}

func TestRunKiosk_ShutsDownOnSignal(t *testing.T) {
	t.Parallel()

	cfg := config.Config{
		Addr:                "127.0.0.1:0",
		Provider:            config.ProviderOpenAI,
		InputSampleRate:     24000,
		OutputSampleRate:    24000,
		FrameMs:             20,
		EventBuffer:         16,
		AudioQueue:          8,
		ShutdownGracePeriod: 2 * time.Second,
	}
	sigs := make(chan chan<- os.Signal, 1)
	done := make(chan error, 1)
	go func() { done <- runKiosk(context.Background(), testDeps(cfg, sigs)) }()

	var sigCh chan<- os.Signal
	select {
	case sigCh = <-sigs:
	case <-time.After(5 * time.Second):
		t.Fatalf("signal handler was never installed")
	}
	sigCh <- os.Interrupt

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runKiosk error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("runKiosk did not return after signal")
	}
}

func TestBuildHTTPServer_UsesConfiguredAddress(t *testing.T) {
	t.Parallel()

	srv := buildHTTPServer(config.Config{Addr: "127.0.0.1:9999"}, http.NotFoundHandler())
	if srv.Addr != "127.0.0.1:9999" {
		t.Fatalf("Addr=%q", srv.Addr)
	}
	if srv.ReadHeaderTimeout <= 0 {
		t.Fatalf("ReadHeaderTimeout should be set")
	}
}

func TestNewProvider(t *testing.T) {
	t.Parallel()

	for _, name := range []config.ProviderName{config.ProviderOpenAI, config.ProviderGemini} {
		p, err := newProvider(config.Config{Provider: name, OpenAIRealtimeURL: "wss://example.invalid/v1/realtime"}, zap.NewNop())
		if err != nil {
			t.Fatalf("newProvider(%s) error: %v", name, err)
		}
		if p.Name() != string(name) {
			t.Errorf("Name()=%q, want %q", p.Name(), name)
		}
	}
	if _, err := newProvider(config.Config{Provider: "azure"}, zap.NewNop()); err == nil {
		t.Fatalf("expected error for unknown provider")
	}
}

func TestOpenDevices_DisabledIsNoop(t *testing.T) {
	t.Parallel()

	opts, release, err := openDevices(config.Config{}, zap.NewNop())
	if err != nil {
		t.Fatalf("openDevices error: %v", err)
	}
	if len(opts) != 0 {
		t.Fatalf("opts=%d, want 0", len(opts))
	}
	release()
}

type stubMic struct{}

func (stubMic) Open(context.Context, live.AudioConfig) (live.FrameReader, error) {
	return nil, errors.New("not a device")
}

type stubOutput struct{}

func (stubOutput) Play(live.ScheduledBuffer) error { return nil }
func (stubOutput) Stop() error                     { return nil }

func TestOpenDevices_SelectsBackend(t *testing.T) {
	t.Parallel()

	var used []string
	opener := func(name string, err error) deviceOpener {
		return func(config.Config, *zap.Logger) (live.Microphone, live.AudioOutput, func(), error) {
			used = append(used, name)
			if err != nil {
				return nil, nil, nil, err
			}
			return stubMic{}, stubOutput{}, func() { used = append(used, name+" released") }, nil
		}
	}

	tests := []struct {
		name    string
		backend config.AudioBackend
		native  error
		want    []string
		wantErr bool
	}{
		{name: "native", backend: config.AudioBackendNative, want: []string{"native", "native released"}},
		{name: "ffmpeg", backend: config.AudioBackendFFmpeg, want: []string{"ffmpeg", "ffmpeg released"}},
		{name: "native not compiled in", backend: config.AudioBackendNative, native: audiodev.ErrUnavailable, want: []string{"native", "ffmpeg", "ffmpeg released"}},
		{name: "native device error", backend: config.AudioBackendNative, native: errors.New("no capture device"), want: []string{"native"}, wantErr: true},
	}
	for _, tc := range tests {
		used = nil
		d := deviceOpeners{native: opener("native", tc.native), ffmpeg: opener("ffmpeg", nil)}
		opts, release, err := d.open(config.Config{AudioDevices: true, AudioBackend: tc.backend}, zap.NewNop())
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%s: expected error", tc.name)
			}
		} else {
			if err != nil {
				t.Fatalf("%s: open error: %v", tc.name, err)
			}
			if len(opts) != 2 {
				t.Fatalf("%s: opts=%d, want 2", tc.name, len(opts))
			}
			release()
		}
		if strings.Join(used, ",") != strings.Join(tc.want, ",") {
			t.Fatalf("%s: used=%v, want %v", tc.name, used, tc.want)
		}
	}
}

func TestMicFFmpegArgs(t *testing.T) {
	t.Parallel()

	args, err := micFFmpegArgs("linux", 24000)
	if err != nil {
		t.Fatalf("linux args error: %v", err)
	}
	joined := strings.Join(args, " ")
	for _, want := range []string{"-f pulse -i default", "-ar 24000", "-f s16le -"} {
		if !strings.Contains(joined, want) {
			t.Errorf("args %q missing %q", joined, want)
		}
	}
	if args, _ := micFFmpegArgs("darwin", 16000); !strings.Contains(strings.Join(args, " "), "avfoundation") {
		t.Errorf("darwin args=%v", args)
	}
	if _, err := micFFmpegArgs("windows", 16000); err == nil {
		t.Errorf("expected error for unsupported platform")
	}
	if _, err := micFFmpegArgs("linux", 0); err == nil {
		t.Errorf("expected error for zero sample rate")
	}
}

func TestPCMFrameReader(t *testing.T) {
	t.Parallel()

	// Two full 2-sample frames plus one trailing sample and a stray byte.
	samples := []float32{0.5, -0.5, 1, -1, 0.25}
	pcm := append(live.EncodePCM16(samples), 0x01)

	releases := 0
	r := newPCMFrameReader(bytes.NewReader(pcm), func() error {
		releases++
		return nil
	})

	buf := make([]float32, 2)
	for i := 0; i < 2; i++ {
		n, err := r.ReadFrame(buf)
		if err != nil || n != 2 {
			t.Fatalf("frame %d: n=%d err=%v", i, n, err)
		}
	}
	n, err := r.ReadFrame(buf)
	if n != 1 || !errors.Is(err, io.EOF) {
		t.Fatalf("tail: n=%d err=%v, want 1, EOF", n, err)
	}
	if buf[0] < 0.24 || buf[0] > 0.26 {
		t.Fatalf("tail sample=%v, want ~0.25", buf[0])
	}
	if n, err := r.ReadFrame(buf); n != 0 || !errors.Is(err, io.EOF) {
		t.Fatalf("after end: n=%d err=%v", n, err)
	}

	_ = r.Close()
	_ = r.Close()
	if releases != 1 {
		t.Fatalf("releases=%d, want 1", releases)
	}
}

type slowWriter struct {
	mu      sync.Mutex
	written int
	fail    error
	closed  bool
}

func (w *slowWriter) Write(p []byte) (int, error) {
	time.Sleep(time.Millisecond)
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail != nil {
		return 0, w.fail
	}
	w.written += len(p)
	return len(p), nil
}

func (w *slowWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *slowWriter) Written() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

func TestFeedPCM_LongAnswerIsNotTruncated(t *testing.T) {
	t.Parallel()

	const rate = 24000
	q := newPCMQueue(int(maxQueuedPlayback.Seconds()) * rate * pcmBytesPerSample)
	w := &slowWriter{}
	done := make(chan struct{})
	go func() {
		defer close(done)
		feedPCM(q, w, func(err error) { t.Errorf("write error: %v", err) })
	}()

	// Four minutes of 20ms deltas arriving faster than realtime must all
	// reach the pipe.
	chunk := make([]byte, rate/50*pcmBytesPerSample)
	const chunks = 4 * 60 * 50
	for i := 0; i < chunks; i++ {
		if err := q.push(chunk); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}

	deadline := time.Now().Add(10 * time.Second)
	for w.Written() < chunks*len(chunk) {
		if time.Now().After(deadline) {
			t.Fatalf("written=%d, want %d", w.Written(), chunks*len(chunk))
		}
		time.Sleep(5 * time.Millisecond)
	}
	q.close()
	<-done
	if !w.closed {
		t.Fatalf("pipe not closed after queue closed")
	}
}

func TestPCMQueue_BacklogLimitAndWriteFailure(t *testing.T) {
	t.Parallel()

	q := newPCMQueue(4)
	if err := q.push(make([]byte, 4)); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := q.push(make([]byte, 2)); err == nil {
		t.Fatalf("expected backlog error")
	}

	w := &slowWriter{fail: errors.New("broken pipe")}
	var got error
	feedPCM(q, w, func(err error) { got = err })
	if got == nil {
		t.Fatalf("write failure not reported")
	}
	if err := q.push(make([]byte, 2)); !errors.Is(err, errPlaybackStopped) {
		t.Fatalf("push after failure err=%v, want errPlaybackStopped", err)
	}
}
