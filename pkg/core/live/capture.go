package live

import (
	"context"
	"errors"
	"io"
	"sync"
)

// Microphone opens a capture device. An error from Open means the device
// could not be acquired and is reported as a permission failure.
type Microphone interface {
	Open(ctx context.Context, config AudioConfig) (FrameReader, error)
}

// FrameReader yields mono float32 frames. ReadFrame blocks until buf is
// filled or the device ends, and returns io.EOF once the device is gone.
type FrameReader interface {
	ReadFrame(buf []float32) (int, error)
	Close() error
}

// FrameSink receives encoded PCM16 frames. SendAudioFrame must not block.
type FrameSink interface {
	SendAudioFrame(pcm []byte)
}

// CapturePipeline pumps microphone frames to a sink: level, encode, send.
type CapturePipeline struct {
	reader    FrameReader
	sink      FrameSink
	frameSize int

	// connected is checked on every frame so a late frame after disconnect
	// is never sent.
	connected func() bool
	onLevel   func(level int)

	closeOnce sync.Once
	closeErr  error
}

// CaptureOptions configures a CapturePipeline.
type CaptureOptions struct {
	FrameSamples int
	Connected    func() bool
	OnLevel      func(level int)
}

// NewCapturePipeline wires an opened reader to a sink.
func NewCapturePipeline(reader FrameReader, sink FrameSink, opts CaptureOptions) *CapturePipeline {
	if opts.FrameSamples <= 0 {
		opts.FrameSamples = DefaultInputAudioConfig().SamplesForDurationMs(DefaultFrameMs)
	}
	if opts.Connected == nil {
		opts.Connected = func() bool { return true }
	}
	return &CapturePipeline{
		reader:    reader,
		sink:      sink,
		frameSize: opts.FrameSamples,
		connected: opts.Connected,
		onLevel:   opts.OnLevel,
	}
}

// Run reads frames until ctx is cancelled or the device ends, then releases
// the device. A clean stop (cancel or EOF) returns nil.
func (c *CapturePipeline) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { c.close() })
	defer stop()
	defer c.close()

	buf := make([]float32, c.frameSize)
	for {
		n, err := c.reader.ReadFrame(buf)
		if n > 0 && ctx.Err() == nil {
			c.handleFrame(buf[:n])
		}
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (c *CapturePipeline) handleFrame(frame []float32) {
	if !c.connected() {
		return
	}
	if c.onLevel != nil {
		c.onLevel(Level(frame))
	}
	c.sink.SendAudioFrame(EncodePCM16(frame))
}

func (c *CapturePipeline) close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.reader.Close()
	})
	return c.closeErr
}
