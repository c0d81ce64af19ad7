//go:build cgo && !noaudio

package audiodev

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/gen2brain/malgo"

	"github.com/vango-go/vai-kiosk/pkg/core/live"
)

// otoBufferSize keeps roughly 100ms inside oto, the limit on what keeps
// sounding between a flush and the player reset.
const otoBufferSize = 100 * time.Millisecond

// Open initializes the malgo capture context and the oto playback context.
// oto allows one context per process, so Open must be called once. The
// returned func releases both after the engine is closed.
func Open(outputSampleRate int) (live.Microphone, *Speaker, func(), error) {
	if outputSampleRate <= 0 {
		return nil, nil, nil, fmt.Errorf("audiodev: invalid output sample rate %d", outputSampleRate)
	}
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{
		ThreadPriority: malgo.ThreadPriorityRealtime,
	}, nil)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("audiodev: init capture context: %w", err)
	}

	octx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   outputSampleRate,
		ChannelCount: 1,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   otoBufferSize,
	})
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return nil, nil, nil, fmt.Errorf("audiodev: init playback context: %w", err)
	}
	<-ready

	speaker := newSpeaker(func(r io.Reader) player {
		return otoPlayer{octx.NewPlayer(r)}
	})
	mic := &microphone{ctx: mctx}
	release := func() {
		_ = speaker.Close()
		mic.close()
	}
	return mic, speaker, release, nil
}

type otoPlayer struct{ p *oto.Player }

func (o otoPlayer) Play()  { o.p.Play() }
func (o otoPlayer) Pause() { o.p.Pause() }
func (o otoPlayer) Reset() { o.p.Reset() }

func (o otoPlayer) Close() error {
	o.p.Close()
	return nil
}

// microphone opens one capture device per session on a shared context.
type microphone struct {
	ctx *malgo.AllocatedContext

	mu     sync.Mutex
	closed bool
}

// Open starts a mono s16 capture device at cfg.SampleRate. The device runs
// until the returned reader is closed.
func (m *microphone) Open(_ context.Context, cfg live.AudioConfig) (live.FrameReader, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("audiodev: capture context closed")
	}
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("audiodev: invalid capture sample rate %d", cfg.SampleRate)
	}

	devCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	devCfg.Capture.Format = malgo.FormatS16
	devCfg.Capture.Channels = 1
	devCfg.SampleRate = uint32(cfg.SampleRate)
	devCfg.PeriodSizeInMilliseconds = 20

	var device *malgo.Device
	// Two seconds of backlog before the oldest audio is dropped.
	reader := newCaptureBuffer(cfg.SampleRate*bytesPerSample*2, func() {
		if device != nil {
			_ = device.Stop()
			device.Uninit()
		}
	})
	device, err := malgo.InitDevice(m.ctx.Context, devCfg, malgo.DeviceCallbacks{
		Data: func(_, in []byte, _ uint32) { reader.write(in) },
	})
	if err != nil {
		return nil, fmt.Errorf("audiodev: open capture device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return nil, fmt.Errorf("audiodev: start capture device: %w", err)
	}
	return reader, nil
}

func (m *microphone) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	_ = m.ctx.Uninit()
	m.ctx.Free()
}
