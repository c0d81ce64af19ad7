package live

import (
	"fmt"
	"time"
)

// SessionState represents the connection state of the engine.
type SessionState int32

const (
	// StateDisconnected is the initial and terminal state.
	StateDisconnected SessionState = iota
	// StateConnecting is entered on a connect request and lasts until the
	// provider reports ready.
	StateConnecting
	// StateConnected is when audio and text flow in both directions.
	StateConnected
	// StateError is when a connect failed or the session dropped.
	StateError
)

// String returns a human-readable state name.
func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state name.
func (s SessionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *SessionState) UnmarshalText(text []byte) error {
	for _, st := range AllStates() {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", text)
}

// AllStates lists every state, in declaration order.
func AllStates() []SessionState {
	return []SessionState{StateDisconnected, StateConnecting, StateConnected, StateError}
}

// DefaultFrameMs is the capture frame length.
const DefaultFrameMs = 20

// EngineConfig holds the engine's tunables. Zero values take defaults.
type EngineConfig struct {
	// Model and Voice are passed to the provider.
	Model string `json:"model,omitempty"`
	Voice string `json:"voice,omitempty"`

	// InputSampleRate is the capture rate. Default: 16000.
	InputSampleRate int `json:"input_sample_rate"`

	// OutputSampleRate is the playback rate. Default: 24000.
	OutputSampleRate int `json:"output_sample_rate"`

	// FrameMs is the capture frame length. Default: 20.
	FrameMs int `json:"frame_ms"`

	// AudioQueueSize bounds the outbound audio queue; frames beyond it are
	// dropped. Default: 64 (about 1.3s at 20ms frames).
	AudioQueueSize int `json:"audio_queue_size"`

	// EventBuffer is the default observer channel size. Default: 256.
	EventBuffer int `json:"event_buffer"`

	// ReapInterval is how often finished playback buffers are released.
	// Default: 50ms.
	ReapInterval time.Duration `json:"reap_interval"`
}

// DefaultEngineConfig returns an EngineConfig with sensible defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		InputSampleRate:  16000,
		OutputSampleRate: 24000,
		FrameMs:          DefaultFrameMs,
		AudioQueueSize:   64,
		EventBuffer:      256,
		ReapInterval:     50 * time.Millisecond,
	}
}

func (c EngineConfig) withDefaults() EngineConfig {
	d := DefaultEngineConfig()
	if c.InputSampleRate <= 0 {
		c.InputSampleRate = d.InputSampleRate
	}
	if c.OutputSampleRate <= 0 {
		c.OutputSampleRate = d.OutputSampleRate
	}
	if c.FrameMs <= 0 {
		c.FrameMs = d.FrameMs
	}
	if c.AudioQueueSize <= 0 {
		c.AudioQueueSize = d.AudioQueueSize
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = d.EventBuffer
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = d.ReapInterval
	}
	return c
}

func (c EngineConfig) inputAudio() AudioConfig {
	return AudioConfig{SampleRate: c.InputSampleRate, Channels: 1, BitsPerSample: 16}
}

func (c EngineConfig) outputAudio() AudioConfig {
	return AudioConfig{SampleRate: c.OutputSampleRate, Channels: 1, BitsPerSample: 16}
}
