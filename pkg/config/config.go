// Package config loads the kiosk runtime configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type ProviderName string

const (
	ProviderOpenAI ProviderName = "openai"
	ProviderGemini ProviderName = "gemini"
)

type AudioBackend string

const (
	// AudioBackendNative captures through malgo and plays through oto.
	AudioBackendNative AudioBackend = "native"
	// AudioBackendFFmpeg shells out to ffmpeg and ffplay.
	AudioBackendFFmpeg AudioBackend = "ffmpeg"
)

// Native capture rates per provider. OpenAI Realtime expects 24 kHz PCM in
// both directions; Gemini Live expects 16 kHz in and replies at 24 kHz.
const (
	openAIInputSampleRate = 24000
	geminiInputSampleRate = 16000
	outputSampleRate      = 24000
)

type Config struct {
	Addr string

	Provider ProviderName
	Model    string
	Voice    string
	Language string
	APIKey   string

	InputSampleRate  int
	OutputSampleRate int
	FrameMs          int

	ConnectTimeout    time.Duration
	OpenAIRealtimeURL string

	// Observer and outbound audio queue sizes.
	EventBuffer int
	AudioQueue  int

	CORSAllowedOrigins []string // empty => disabled

	LogLevel  string
	LogFormat string

	ShutdownGracePeriod time.Duration

	// When true the kiosk opens the local microphone and speaker through
	// AudioBackend. Otherwise audio only flows over the event stream.
	AudioDevices bool
	AudioBackend AudioBackend
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                envOr("VAI_KIOSK_ADDR", ":8090"),
		Provider:            ProviderName(strings.ToLower(envOr("VAI_KIOSK_PROVIDER", string(ProviderOpenAI)))),
		Model:               envOr("VAI_KIOSK_MODEL", ""),
		Voice:               envOr("VAI_KIOSK_VOICE", ""),
		Language:            envOr("VAI_KIOSK_LANGUAGE", ""),
		FrameMs:             envIntOr("VAI_KIOSK_FRAME_MS", 20),
		ConnectTimeout:      envDurationOr("VAI_KIOSK_CONNECT_TIMEOUT", 15*time.Second),
		OpenAIRealtimeURL:   envOr("VAI_KIOSK_OPENAI_REALTIME_URL", "wss://api.openai.com/v1/realtime"),
		EventBuffer:         envIntOr("VAI_KIOSK_EVENT_BUFFER", 256),
		AudioQueue:          envIntOr("VAI_KIOSK_AUDIO_QUEUE", 64),
		CORSAllowedOrigins:  splitCSV(os.Getenv("VAI_KIOSK_CORS_ORIGINS")),
		LogLevel:            envOr("VAI_KIOSK_LOG_LEVEL", "info"),
		LogFormat:           strings.ToLower(envOr("VAI_KIOSK_LOG_FORMAT", "json")),
		ShutdownGracePeriod: envDurationOr("VAI_KIOSK_SHUTDOWN_GRACE_PERIOD", 10*time.Second),
		AudioDevices:        envBoolOr("VAI_KIOSK_AUDIO_DEVICES", false),
		AudioBackend:        AudioBackend(strings.ToLower(envOr("VAI_KIOSK_AUDIO_BACKEND", string(AudioBackendNative)))),
	}

	switch cfg.Provider {
	case ProviderOpenAI:
		cfg.APIKey = envOr("OPENAI_API_KEY", "")
		cfg.InputSampleRate = envIntOr("VAI_KIOSK_INPUT_SAMPLE_RATE", openAIInputSampleRate)
	case ProviderGemini:
		cfg.APIKey = envOr("GEMINI_API_KEY", envOr("GOOGLE_API_KEY", ""))
		cfg.InputSampleRate = envIntOr("VAI_KIOSK_INPUT_SAMPLE_RATE", geminiInputSampleRate)
	default:
		return Config{}, fmt.Errorf("VAI_KIOSK_PROVIDER must be one of openai|gemini")
	}
	cfg.OutputSampleRate = envIntOr("VAI_KIOSK_OUTPUT_SAMPLE_RATE", outputSampleRate)

	if cfg.APIKey == "" {
		if cfg.Provider == ProviderOpenAI {
			return Config{}, fmt.Errorf("OPENAI_API_KEY must be set when VAI_KIOSK_PROVIDER=openai")
		}
		return Config{}, fmt.Errorf("GEMINI_API_KEY must be set when VAI_KIOSK_PROVIDER=gemini")
	}
	if cfg.InputSampleRate <= 0 {
		return Config{}, fmt.Errorf("VAI_KIOSK_INPUT_SAMPLE_RATE must be > 0")
	}
	if cfg.OutputSampleRate <= 0 {
		return Config{}, fmt.Errorf("VAI_KIOSK_OUTPUT_SAMPLE_RATE must be > 0")
	}
	if cfg.FrameMs <= 0 || cfg.FrameMs > 200 {
		return Config{}, fmt.Errorf("VAI_KIOSK_FRAME_MS must be in (0, 200]")
	}
	if cfg.ConnectTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_KIOSK_CONNECT_TIMEOUT must be > 0")
	}
	if cfg.Provider == ProviderOpenAI && !strings.HasPrefix(cfg.OpenAIRealtimeURL, "ws") {
		return Config{}, fmt.Errorf("VAI_KIOSK_OPENAI_REALTIME_URL must be a ws:// or wss:// URL")
	}
	if cfg.EventBuffer <= 0 {
		return Config{}, fmt.Errorf("VAI_KIOSK_EVENT_BUFFER must be > 0")
	}
	if cfg.AudioQueue <= 0 {
		return Config{}, fmt.Errorf("VAI_KIOSK_AUDIO_QUEUE must be > 0")
	}
	switch cfg.LogFormat {
	case "json", "console", "text":
	default:
		return Config{}, fmt.Errorf("VAI_KIOSK_LOG_FORMAT must be one of json|console")
	}
	switch cfg.AudioBackend {
	case AudioBackendNative, AudioBackendFFmpeg:
	default:
		return Config{}, fmt.Errorf("VAI_KIOSK_AUDIO_BACKEND must be one of native|ffmpeg")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("VAI_KIOSK_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
