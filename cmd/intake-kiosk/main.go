package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/vango-go/vai-kiosk/internal/audiodev"
	"github.com/vango-go/vai-kiosk/internal/dotenv"
	"github.com/vango-go/vai-kiosk/internal/logging"
	"github.com/vango-go/vai-kiosk/internal/metrics"
	"github.com/vango-go/vai-kiosk/pkg/config"
	"github.com/vango-go/vai-kiosk/pkg/core/intake"
	"github.com/vango-go/vai-kiosk/pkg/core/live"
	"github.com/vango-go/vai-kiosk/pkg/core/realtime"
	"github.com/vango-go/vai-kiosk/pkg/core/realtime/gemini"
	"github.com/vango-go/vai-kiosk/pkg/core/realtime/openai"
	kioskserver "github.com/vango-go/vai-kiosk/pkg/kiosk/server"
)

type kioskDeps struct {
	loadConfig   func() (config.Config, error)
	newLogger    func(level, format string) (*zap.Logger, error)
	newProvider  func(config.Config, *zap.Logger) (realtime.Provider, error)
	openDevices  func(config.Config, *zap.Logger) ([]live.Option, func(), error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultKioskDeps() kioskDeps {
	return kioskDeps{
		loadConfig:  config.LoadFromEnv,
		newLogger:   logging.New,
		newProvider: newProvider,
		openDevices: openDevices,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func newProvider(cfg config.Config, logger *zap.Logger) (realtime.Provider, error) {
	switch cfg.Provider {
	case config.ProviderOpenAI:
		return openai.New(openai.Config{
			URL:            cfg.OpenAIRealtimeURL,
			ConnectTimeout: cfg.ConnectTimeout,
			Logger:         logger,
		}), nil
	case config.ProviderGemini:
		return gemini.New(gemini.Config{
			ConnectTimeout: cfg.ConnectTimeout,
			Logger:         logger,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported provider %q", cfg.Provider)
	}
}

// openDevices wires the local microphone and speaker when enabled. The
// returned func releases them after the engine is closed.
func openDevices(cfg config.Config, logger *zap.Logger) ([]live.Option, func(), error) {
	return deviceOpeners{native: openNativeDevices, ffmpeg: openFFmpegDevices}.open(cfg, logger)
}

type deviceOpener func(config.Config, *zap.Logger) (live.Microphone, live.AudioOutput, func(), error)

type deviceOpeners struct {
	native deviceOpener
	ffmpeg deviceOpener
}

// open picks the configured backend. A build without native audio falls
// back to ffmpeg rather than refusing to start.
func (d deviceOpeners) open(cfg config.Config, logger *zap.Logger) ([]live.Option, func(), error) {
	if !cfg.AudioDevices {
		return nil, func() {}, nil
	}
	opener := d.ffmpeg
	if cfg.AudioBackend != config.AudioBackendFFmpeg {
		opener = d.native
	}
	mic, out, release, err := opener(cfg, logger)
	if errors.Is(err, audiodev.ErrUnavailable) {
		logger.Warn("native audio unavailable in this build, using ffmpeg", zap.Error(err))
		mic, out, release, err = d.ffmpeg(cfg, logger)
	}
	if err != nil {
		return nil, nil, err
	}
	return []live.Option{live.WithMicrophone(mic), live.WithAudioOutput(out)}, release, nil
}

func openNativeDevices(cfg config.Config, _ *zap.Logger) (live.Microphone, live.AudioOutput, func(), error) {
	mic, speaker, release, err := audiodev.Open(cfg.OutputSampleRate)
	if err != nil {
		return nil, nil, nil, err
	}
	return mic, speaker, release, nil
}

func openFFmpegDevices(cfg config.Config, logger *zap.Logger) (live.Microphone, live.AudioOutput, func(), error) {
	mic, err := newFFmpegMicrophone()
	if err != nil {
		return nil, nil, nil, err
	}
	out, err := newFFplayOutput(cfg.OutputSampleRate, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	return mic, out, func() { _ = out.Close() }, nil
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func buildEngine(cfg config.Config, provider realtime.Provider, logger *zap.Logger, m *metrics.Metrics, extra []live.Option) (*live.Engine, error) {
	form, err := intake.NewForm(intake.DefaultLayout())
	if err != nil {
		return nil, fmt.Errorf("build form: %w", err)
	}
	opts := []live.Option{
		live.WithLogger(logger),
		live.WithMetrics(m),
		live.WithTokenSource(realtime.StaticToken(cfg.APIKey)),
	}
	opts = append(opts, extra...)
	return live.NewEngine(provider, form, live.EngineConfig{
		Model:            cfg.Model,
		Voice:            cfg.Voice,
		InputSampleRate:  cfg.InputSampleRate,
		OutputSampleRate: cfg.OutputSampleRate,
		FrameMs:          cfg.FrameMs,
		AudioQueueSize:   cfg.AudioQueue,
		EventBuffer:      cfg.EventBuffer,
	}, opts...)
}

func runKiosk(ctx context.Context, deps kioskDeps) error {
	if deps.loadConfig == nil || deps.newLogger == nil {
		return errors.New("missing config dependency")
	}
	if deps.newProvider == nil || deps.openDevices == nil {
		return errors.New("missing provider dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := deps.newLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	m := metrics.New("")
	provider, err := deps.newProvider(cfg, logger)
	if err != nil {
		return err
	}
	deviceOpts, releaseDevices, err := deps.openDevices(cfg, logger)
	if err != nil {
		return fmt.Errorf("audio devices: %w", err)
	}
	defer releaseDevices()

	engine, err := buildEngine(cfg, provider, logger, m, deviceOpts)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
		defer cancel()
		if err := engine.Close(closeCtx); err != nil {
			logger.Warn("engine close", zap.Error(err))
		}
	}()

	srv := kioskserver.New(cfg, engine, logger, m)
	httpSrv := buildHTTPServer(cfg, srv.Handler())

	logger.Info("starting kiosk",
		zap.String("addr", cfg.Addr),
		zap.String("provider", string(cfg.Provider)),
		zap.Bool("audio_devices", cfg.AudioDevices),
		zap.String("audio_backend", string(cfg.AudioBackend)),
	)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("context cancelled")
	case sig := <-sigCh:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer drainCancel()
	if !srv.Drain(drainCtx) {
		logger.Warn("event streams still open after grace period", zap.Int("streams", srv.Streams()))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("kiosk stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps kioskDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(stderr, "intake-kiosk: %v\n", err)
		return 1
	}
	if err := runKiosk(ctx, deps); err != nil {
		fmt.Fprintf(stderr, "intake-kiosk: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultKioskDeps()))
}
