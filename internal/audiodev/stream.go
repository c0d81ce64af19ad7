// Package audiodev binds the kiosk engine to the local microphone and
// speaker in-process, capturing through malgo (miniaudio) and playing
// through oto.
package audiodev

import (
	"errors"
	"io"
	"sync"

	"github.com/vango-go/vai-kiosk/pkg/core/live"
)

const bytesPerSample = 2

// ErrUnavailable is returned by Open in builds without native audio
// (cgo disabled or the noaudio tag set).
var ErrUnavailable = errors.New("audiodev: native audio not compiled in")

// captureBuffer collects device callbacks and serves fixed-size frames to
// the capture pipeline. It implements live.FrameReader.
type captureBuffer struct {
	mu      sync.Mutex
	cond    *sync.Cond
	buf     []byte
	max     int
	closed  bool
	release func()

	closeOnce sync.Once
}

func newCaptureBuffer(maxBytes int, release func()) *captureBuffer {
	c := &captureBuffer{max: maxBytes, release: release}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// write is the device data callback. When the reader falls behind the
// oldest audio is dropped so capture latency stays bounded.
func (c *captureBuffer) write(pcm []byte) {
	c.mu.Lock()
	if !c.closed {
		c.buf = append(c.buf, pcm...)
		if over := len(c.buf) - c.max; c.max > 0 && over > 0 {
			over += over % bytesPerSample
			c.buf = append(c.buf[:0], c.buf[over:]...)
		}
	}
	c.mu.Unlock()
	c.cond.Signal()
}

func (c *captureBuffer) ReadFrame(buf []float32) (int, error) {
	need := len(buf) * bytesPerSample
	c.mu.Lock()
	for len(c.buf) < need && !c.closed {
		c.cond.Wait()
	}
	if c.closed {
		c.mu.Unlock()
		return 0, io.EOF
	}
	samples := live.DecodePCM16(c.buf[:need])
	c.buf = c.buf[need:]
	c.mu.Unlock()
	return copy(buf, samples), nil
}

func (c *captureBuffer) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.buf = nil
		c.mu.Unlock()
		c.cond.Broadcast()
		if c.release != nil {
			c.release()
		}
	})
	return nil
}

type segment struct {
	id        uint64
	remaining int
}

// playbackStream is the io.Reader behind one oto player. Read blocks until
// audio is queued and reports each buffer once its last byte has been
// handed to the device. A closed stream reads io.EOF and discards whatever
// was still queued.
type playbackStream struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	segs   []segment
	closed bool
	done   func(id uint64)
}

func newPlaybackStream(done func(id uint64)) *playbackStream {
	s := &playbackStream{done: done}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *playbackStream) push(id uint64, pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	s.mu.Lock()
	if !s.closed {
		s.buf = append(s.buf, pcm...)
		s.segs = append(s.segs, segment{id: id, remaining: len(pcm)})
	}
	s.mu.Unlock()
	s.cond.Signal()
}

func (s *playbackStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	for len(s.buf) == 0 && !s.closed {
		s.cond.Wait()
	}
	if s.closed {
		s.mu.Unlock()
		return 0, io.EOF
	}
	n := copy(p, s.buf)
	s.buf = s.buf[n:]

	var finished []uint64
	left := n
	for left > 0 && len(s.segs) > 0 {
		seg := &s.segs[0]
		take := min(left, seg.remaining)
		seg.remaining -= take
		left -= take
		if seg.remaining == 0 {
			finished = append(finished, seg.id)
			s.segs = s.segs[1:]
		}
	}
	s.mu.Unlock()

	if s.done != nil {
		for _, id := range finished {
			s.done(id)
		}
	}
	return n, nil
}

func (s *playbackStream) queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

func (s *playbackStream) close() {
	s.mu.Lock()
	s.closed = true
	s.buf = nil
	s.segs = nil
	s.mu.Unlock()
	s.cond.Broadcast()
}

// player is the part of *oto.Player the speaker drives.
type player interface {
	Play()
	Pause()
	Reset()
	Close() error
}

// Speaker is a live.AudioOutput over one oto context. Each uninterrupted
// run of audio gets its own player; Stop pauses, resets and closes it so
// nothing already buffered inside oto keeps sounding. Speaker also
// implements live.CompletionNotifier.
type Speaker struct {
	newPlayer func(io.Reader) player

	mu     sync.Mutex
	player player
	stream *playbackStream
	onDone func(id uint64)
	closed bool
}

var (
	_ live.AudioOutput        = (*Speaker)(nil)
	_ live.CompletionNotifier = (*Speaker)(nil)
)

func newSpeaker(newPlayer func(io.Reader) player) *Speaker {
	return &Speaker{newPlayer: newPlayer}
}

func (s *Speaker) NotifyComplete(fn func(id uint64)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDone = fn
}

func (s *Speaker) complete(id uint64) {
	s.mu.Lock()
	fn := s.onDone
	s.mu.Unlock()
	if fn != nil {
		fn(id)
	}
}

// Play queues buf on the current player, starting one if playback was
// stopped. It never waits on the device.
func (s *Speaker) Play(buf live.ScheduledBuffer) error {
	pcm := live.EncodePCM16(buf.Samples)
	if len(pcm) == 0 {
		return nil
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("audiodev: speaker closed")
	}
	stream, start := s.stream, false
	if stream == nil {
		stream = newPlaybackStream(s.complete)
		s.stream = stream
		s.player = s.newPlayer(stream)
		start = true
	}
	p := s.player
	s.mu.Unlock()

	stream.push(buf.ID, pcm)
	if start {
		p.Play()
	}
	return nil
}

// Stop drops queued and playing audio.
func (s *Speaker) Stop() error {
	s.mu.Lock()
	stream, p := s.stream, s.player
	s.stream, s.player = nil, nil
	s.mu.Unlock()

	if stream != nil {
		stream.close()
	}
	if p == nil {
		return nil
	}
	p.Pause()
	p.Reset()
	return p.Close()
}

func (s *Speaker) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.Stop()
}
