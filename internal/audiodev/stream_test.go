package audiodev

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/vango-go/vai-kiosk/pkg/core/live"
)

func TestCaptureBuffer_ServesWholeFrames(t *testing.T) {
	t.Parallel()

	c := newCaptureBuffer(0, nil)
	pcm := live.EncodePCM16([]float32{0.5, -0.5, 0.25})
	c.write(pcm[:3]) // half a sample arrives first
	c.write(pcm[3:])

	buf := make([]float32, 2)
	n, err := c.ReadFrame(buf)
	if err != nil || n != 2 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	if buf[0] < 0.49 || buf[1] > -0.49 {
		t.Fatalf("frame=%v", buf)
	}

	got := make(chan int, 1)
	go func() {
		n, _ := c.ReadFrame(buf)
		got <- n
	}()
	select {
	case n := <-got:
		t.Fatalf("ReadFrame returned %d with one sample buffered", n)
	case <-time.After(50 * time.Millisecond):
	}
	c.write(live.EncodePCM16([]float32{0.75}))
	select {
	case n := <-got:
		if n != 2 {
			t.Fatalf("n=%d, want 2", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("ReadFrame did not wake on new audio")
	}
}

func TestCaptureBuffer_DropsOldestWhenBehind(t *testing.T) {
	t.Parallel()

	c := newCaptureBuffer(4, nil)
	c.write(live.EncodePCM16([]float32{0.1, 0.2, 0.3, 0.4}))

	buf := make([]float32, 2)
	if _, err := c.ReadFrame(buf); err != nil {
		t.Fatalf("ReadFrame error: %v", err)
	}
	if buf[0] < 0.29 || buf[0] > 0.31 {
		t.Fatalf("oldest kept sample=%v, want ~0.3", buf[0])
	}
}

func TestCaptureBuffer_CloseWakesReaderAndReleasesOnce(t *testing.T) {
	t.Parallel()

	releases := 0
	c := newCaptureBuffer(0, func() { releases++ })

	errCh := make(chan error, 1)
	go func() {
		_, err := c.ReadFrame(make([]float32, 4))
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	_ = c.Close()
	_ = c.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, io.EOF) {
			t.Fatalf("err=%v, want EOF", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("reader still blocked after Close")
	}
	if releases != 1 {
		t.Fatalf("releases=%d, want 1", releases)
	}
	c.write([]byte{1, 2}) // late device callback
}

func TestPlaybackStream_ReportsBuffersAsTheyDrain(t *testing.T) {
	t.Parallel()

	var done []uint64
	s := newPlaybackStream(func(id uint64) { done = append(done, id) })
	s.push(1, make([]byte, 6))
	s.push(2, make([]byte, 4))

	p := make([]byte, 4)
	if n, err := s.Read(p); n != 4 || err != nil {
		t.Fatalf("n=%d err=%v", n, err)
	}
	if len(done) != 0 {
		t.Fatalf("done=%v after partial read", done)
	}
	p = make([]byte, 16)
	if n, _ := s.Read(p); n != 6 {
		t.Fatalf("n=%d, want 6", n)
	}
	if len(done) != 2 || done[0] != 1 || done[1] != 2 {
		t.Fatalf("done=%v, want [1 2]", done)
	}
}

func TestPlaybackStream_CloseDiscardsAndEnds(t *testing.T) {
	t.Parallel()

	s := newPlaybackStream(nil)
	s.push(1, make([]byte, 8))
	s.close()
	if s.queued() != 0 {
		t.Fatalf("queued=%d after close", s.queued())
	}
	if _, err := s.Read(make([]byte, 8)); !errors.Is(err, io.EOF) {
		t.Fatalf("err=%v, want EOF", err)
	}
	s.push(2, make([]byte, 8))
	if s.queued() != 0 {
		t.Fatalf("push after close queued %d bytes", s.queued())
	}
}

type fakePlayer struct {
	mu     sync.Mutex
	src    io.Reader
	calls  []string
	closed bool
}

func (p *fakePlayer) record(call string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, call)
}

func (p *fakePlayer) Play()  { p.record("play") }
func (p *fakePlayer) Pause() { p.record("pause") }
func (p *fakePlayer) Reset() { p.record("reset") }
func (p *fakePlayer) Close() error {
	p.record("close")
	return nil
}

func (p *fakePlayer) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func TestSpeaker_StopResetsPlayerAndNextPlayStartsFresh(t *testing.T) {
	t.Parallel()

	var players []*fakePlayer
	sp := newSpeaker(func(r io.Reader) player {
		p := &fakePlayer{src: r}
		players = append(players, p)
		return p
	})
	var completed []uint64
	sp.NotifyComplete(func(id uint64) { completed = append(completed, id) })

	for id := uint64(1); id <= 2; id++ {
		if err := sp.Play(live.ScheduledBuffer{ID: id, Samples: []float32{0.5, 0.5}}); err != nil {
			t.Fatalf("Play error: %v", err)
		}
	}
	if len(players) != 1 {
		t.Fatalf("players=%d, want 1", len(players))
	}

	// The device pulls the first buffer only.
	if n, err := players[0].src.Read(make([]byte, 4)); n != 4 || err != nil {
		t.Fatalf("read n=%d err=%v", n, err)
	}
	if len(completed) != 1 || completed[0] != 1 {
		t.Fatalf("completed=%v, want [1]", completed)
	}

	if err := sp.Stop(); err != nil {
		t.Fatalf("Stop error: %v", err)
	}
	want := []string{"play", "pause", "reset", "close"}
	got := players[0].Calls()
	if len(got) != len(want) {
		t.Fatalf("calls=%v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("calls=%v, want %v", got, want)
		}
	}
	if _, err := players[0].src.Read(make([]byte, 4)); !errors.Is(err, io.EOF) {
		t.Fatalf("stopped stream err=%v, want EOF", err)
	}

	if err := sp.Play(live.ScheduledBuffer{ID: 3, Samples: []float32{0.5}}); err != nil {
		t.Fatalf("Play after Stop error: %v", err)
	}
	if len(players) != 2 {
		t.Fatalf("players=%d, want a fresh player after Stop", len(players))
	}

	if err := sp.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	if err := sp.Play(live.ScheduledBuffer{ID: 4, Samples: []float32{0.5}}); err == nil {
		t.Fatalf("expected error playing on a closed speaker")
	}
}

func TestSpeaker_DrivesSchedulerCompletion(t *testing.T) {
	t.Parallel()

	var src io.Reader
	sp := newSpeaker(func(r io.Reader) player {
		src = r
		return &fakePlayer{src: r}
	})
	sched := live.NewPlaybackScheduler(live.DefaultOutputAudioConfig(), nil, sp)
	sched.Open()

	b, err := sched.Schedule([]float32{0.5, 0.5, 0.5})
	if err != nil {
		t.Fatalf("Schedule error: %v", err)
	}
	if sched.Pending() != 1 {
		t.Fatalf("pending=%d, want 1", sched.Pending())
	}
	if n, _ := src.Read(make([]byte, 64)); n != len(b.Samples)*bytesPerSample {
		t.Fatalf("read %d bytes", n)
	}
	if sched.Pending() != 0 {
		t.Fatalf("pending=%d after the device drained the buffer", sched.Pending())
	}
}
