package live

import (
	"encoding/binary"
	"math"
	"time"
)

// LevelMax is the top of the visualization scale returned by Level.
const LevelMax = 100

// EncodePCM16 converts float samples to 16-bit signed little-endian PCM.
// Samples outside [-1, 1] are clamped, never wrapped.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(floatToInt16(s)))
	}
	return out
}

func floatToInt16(s float32) int16 {
	switch {
	case s != s: // NaN
		return 0
	case s >= 1:
		return math.MaxInt16
	case s <= -1:
		return math.MinInt16
	case s < 0:
		return int16(s * 32768)
	default:
		return int16(s * 32767)
	}
}

// DecodePCM16 converts 16-bit signed little-endian PCM to float samples in
// [-1, 1]. A trailing odd byte is ignored.
func DecodePCM16(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		v := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		if v < 0 {
			out[i] = float32(v) / 32768
		} else {
			out[i] = float32(v) / 32767
		}
	}
	return out
}

// Level returns the mean absolute amplitude of samples scaled to [0, LevelMax].
// It is a coarse visualization statistic, not a loudness measurement.
func Level(samples []float32) int {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += math.Abs(float64(s))
	}
	mean := sum / float64(len(samples))
	level := int(math.Round(mean * LevelMax))
	if level < 0 {
		return 0
	}
	if level > LevelMax {
		return LevelMax
	}
	return level
}

// AudioConfig specifies audio format parameters.
type AudioConfig struct {
	// SampleRate in Hz. Common values: 16000, 24000.
	SampleRate int `json:"sample_rate"`

	// Channels: always 1 (mono) on the wire.
	Channels int `json:"channels"`

	// BitsPerSample: 16 for PCM16.
	BitsPerSample int `json:"bits_per_sample"`
}

// DefaultInputAudioConfig is the microphone format.
func DefaultInputAudioConfig() AudioConfig {
	return AudioConfig{SampleRate: 16000, Channels: 1, BitsPerSample: 16}
}

// DefaultOutputAudioConfig is the model audio format.
func DefaultOutputAudioConfig() AudioConfig {
	return AudioConfig{SampleRate: 24000, Channels: 1, BitsPerSample: 16}
}

// BytesPerSecond returns the audio byte rate.
func (c AudioConfig) BytesPerSecond() int {
	return c.SampleRate * c.Channels * (c.BitsPerSample / 8)
}

// DurationMs returns the duration in milliseconds for the given byte count.
func (c AudioConfig) DurationMs(bytes int) int {
	if c.BytesPerSecond() == 0 {
		return 0
	}
	return (bytes * 1000) / c.BytesPerSecond()
}

// BytesForDurationMs returns the byte count for the given duration in milliseconds.
func (c AudioConfig) BytesForDurationMs(ms int) int {
	return (c.BytesPerSecond() * ms) / 1000
}

// SamplesForDurationMs returns the per-channel sample count for ms.
func (c AudioConfig) SamplesForDurationMs(ms int) int {
	return (c.SampleRate * ms) / 1000
}

// Duration returns the playback length of n mono samples.
func (c AudioConfig) Duration(samples int) time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(samples) * time.Second / time.Duration(c.SampleRate)
}
