package live

import (
	"sync"
	"time"
)

// Clock is the playback time source.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// ScheduledBuffer is one decoded model audio buffer placed on the playback
// timeline.
type ScheduledBuffer struct {
	ID         uint64
	Samples    []float32
	SampleRate int
	StartAt    time.Time
	Duration   time.Duration
}

// End is the instant the buffer finishes playing.
func (b ScheduledBuffer) End() time.Time { return b.StartAt.Add(b.Duration) }

// AudioOutput renders scheduled buffers. Play must not block for the length
// of the audio; Stop drops everything queued or playing.
type AudioOutput interface {
	Play(buf ScheduledBuffer) error
	Stop() error
}

// CompletionNotifier is implemented by outputs that learn when a buffer has
// been handed to the device. The scheduler registers Complete with it, so
// pending buffers clear before the wall-clock estimate in Reap catches up.
type CompletionNotifier interface {
	NotifyComplete(fn func(id uint64))
}

// PlaybackScheduler places model audio on a gapless timeline. Each buffer
// starts at max(now, cursor) and advances the cursor by its duration, so
// bursty delivery never overlaps or reorders audio.
type PlaybackScheduler struct {
	clock  Clock
	output AudioOutput
	config AudioConfig

	mu      sync.Mutex
	cursor  time.Time
	nextID  uint64
	pending map[uint64]ScheduledBuffer
	level   int
}

// NewPlaybackScheduler returns a scheduler. A nil clock uses SystemClock; a
// nil output only tracks the timeline.
func NewPlaybackScheduler(config AudioConfig, clock Clock, output AudioOutput) *PlaybackScheduler {
	if clock == nil {
		clock = SystemClock{}
	}
	p := &PlaybackScheduler{
		clock:   clock,
		output:  output,
		config:  config,
		pending: make(map[uint64]ScheduledBuffer),
	}
	if n, ok := output.(CompletionNotifier); ok {
		n.NotifyComplete(p.Complete)
	}
	return p
}

// Open seeds the cursor at the current clock time. Called on session open.
func (p *PlaybackScheduler) Open() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cursor = p.clock.Now()
	p.level = 0
}

// Schedule places samples on the timeline and hands them to the output.
// An output error is returned but the buffer stays scheduled so the cursor
// remains consistent.
func (p *PlaybackScheduler) Schedule(samples []float32) (ScheduledBuffer, error) {
	p.mu.Lock()
	now := p.clock.Now()
	start := p.cursor
	if now.After(start) {
		start = now
	}
	p.nextID++
	buf := ScheduledBuffer{
		ID:         p.nextID,
		Samples:    samples,
		SampleRate: p.config.SampleRate,
		StartAt:    start,
		Duration:   p.config.Duration(len(samples)),
	}
	p.cursor = buf.End()
	p.pending[buf.ID] = buf
	p.level = Level(samples)
	output := p.output
	p.mu.Unlock()

	if output == nil {
		return buf, nil
	}
	return buf, output.Play(buf)
}

// Complete removes a buffer the output reported as finished. Unknown IDs,
// including ones already dropped by Flush, are ignored.
func (p *PlaybackScheduler) Complete(id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.pending, id)
	if len(p.pending) == 0 {
		p.level = 0
	}
}

// Reap removes every buffer whose end time has passed and returns how many
// were removed. The output level drops to zero once nothing is pending.
func (p *PlaybackScheduler) Reap() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock.Now()
	removed := 0
	for id, buf := range p.pending {
		if !buf.End().After(now) {
			delete(p.pending, id)
			removed++
		}
	}
	if len(p.pending) == 0 {
		p.level = 0
	}
	return removed
}

// Flush stops the output, releases every pending buffer and resets the
// cursor to now. It returns the number of buffers dropped.
func (p *PlaybackScheduler) Flush() (int, error) {
	p.mu.Lock()
	flushed := len(p.pending)
	p.pending = make(map[uint64]ScheduledBuffer)
	p.cursor = p.clock.Now()
	p.level = 0
	output := p.output
	p.mu.Unlock()

	if output == nil {
		return flushed, nil
	}
	return flushed, output.Stop()
}

// Pending returns the number of buffers scheduled and not yet finished.
func (p *PlaybackScheduler) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Cursor returns the next start time.
func (p *PlaybackScheduler) Cursor() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor
}

// Level returns the output visualization level of the most recent buffer.
func (p *PlaybackScheduler) Level() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.level
}
