package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vango-go/vai-kiosk/pkg/core/live"
)

const pcmBytesPerSample = 2

// ffmpegMicrophone captures the default input device as mono s16le PCM.
type ffmpegMicrophone struct {
	path string
	goos string
}

func newFFmpegMicrophone() (*ffmpegMicrophone, error) {
	path, err := exec.LookPath("ffmpeg")
	if err != nil {
		return nil, errors.New("ffmpeg is required for microphone capture (install ffmpeg and ensure it is in PATH)")
	}
	return &ffmpegMicrophone{path: path, goos: runtime.GOOS}, nil
}

// Open starts ffmpeg. The process outlives ctx and is stopped by Close on
// the returned reader.
func (m *ffmpegMicrophone) Open(_ context.Context, cfg live.AudioConfig) (live.FrameReader, error) {
	args, err := micFFmpegArgs(m.goos, cfg.SampleRate)
	if err != nil {
		return nil, err
	}
	cmd := exec.Command(m.path, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open ffmpeg stdout: %w", err)
	}
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg mic capture: %w", err)
	}
	return newPCMFrameReader(stdout, func() error {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		_ = cmd.Wait()
		return nil
	}), nil
}

func micFFmpegArgs(goos string, sampleRate int) ([]string, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("invalid capture sample rate %d", sampleRate)
	}
	var input []string
	switch goos {
	case "darwin":
		input = []string{"-f", "avfoundation", "-i", ":0"}
	case "linux":
		input = []string{"-f", "pulse", "-i", "default"}
	default:
		return nil, fmt.Errorf("microphone capture is not implemented for %s; supported platforms: darwin, linux", goos)
	}
	args := []string{"-hide_banner", "-loglevel", "error"}
	args = append(args, input...)
	return append(args,
		"-ac", "1", "-ar", strconv.Itoa(sampleRate),
		"-f", "s16le", "-",
	), nil
}

// pcmFrameReader turns an s16le byte stream into float32 frames.
type pcmFrameReader struct {
	r       *bufio.Reader
	raw     []byte
	release func() error

	closeOnce sync.Once
	closeErr  error
}

func newPCMFrameReader(r io.Reader, release func() error) *pcmFrameReader {
	return &pcmFrameReader{r: bufio.NewReader(r), release: release}
}

func (p *pcmFrameReader) ReadFrame(buf []float32) (int, error) {
	need := len(buf) * pcmBytesPerSample
	if cap(p.raw) < need {
		p.raw = make([]byte, need)
	}
	raw := p.raw[:need]
	n, err := io.ReadFull(p.r, raw)
	samples := live.DecodePCM16(raw[:n-n%pcmBytesPerSample])
	copy(buf, samples)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		err = io.EOF
	}
	return len(samples), err
}

func (p *pcmFrameReader) Close() error {
	p.closeOnce.Do(func() {
		if p.release != nil {
			p.closeErr = p.release()
		}
	})
	return p.closeErr
}

// maxQueuedPlayback bounds audio waiting on the ffplay pipe. It is far
// longer than any single answer; hitting it means ffplay stopped reading.
const maxQueuedPlayback = 5 * time.Minute

var errPlaybackStopped = errors.New("playback stopped")

// pcmQueue hands PCM from Play to the feeder goroutine. The feeder blocks
// on the pipe write, which paces it to ffplay's consumption, while the
// queue absorbs bursty model delivery.
type pcmQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	max    int
	closed bool
}

func newPCMQueue(maxBytes int) *pcmQueue {
	q := &pcmQueue{max: maxBytes}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *pcmQueue) push(pcm []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errPlaybackStopped
	}
	if q.max > 0 && len(q.buf)+len(pcm) > q.max {
		return fmt.Errorf("playback backlog over %s", maxQueuedPlayback)
	}
	q.buf = append(q.buf, pcm...)
	q.cond.Signal()
	return nil
}

// next returns everything queued, blocking while empty. ok is false once
// the queue is closed.
func (q *pcmQueue) next() (pcm []byte, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.buf) == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return nil, false
	}
	pcm, q.buf = q.buf, nil
	return pcm, true
}

func (q *pcmQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.buf = nil
	q.mu.Unlock()
	q.cond.Broadcast()
}

// ffplayOutput streams scheduled buffers into one ffplay process. Play only
// queues; a writer goroutine feeds the pipe so the engine loop never waits
// on the device. Stop kills the process and the next Play starts a fresh
// one, which drops everything still buffered inside ffplay.
type ffplayOutput struct {
	path       string
	sampleRate int
	logger     *zap.Logger

	mu    sync.Mutex
	cmd   *exec.Cmd
	queue *pcmQueue
	gen   uint64
}

func newFFplayOutput(sampleRate int, logger *zap.Logger) (*ffplayOutput, error) {
	path, err := exec.LookPath("ffplay")
	if err != nil {
		return nil, errors.New("ffplay is required for playback (install ffmpeg/ffplay and ensure it is in PATH)")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ffplayOutput{path: path, sampleRate: sampleRate, logger: logger}, nil
}

func (o *ffplayOutput) Play(buf live.ScheduledBuffer) error {
	pcm := live.EncodePCM16(buf.Samples)
	if len(pcm) == 0 {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cmd == nil {
		if err := o.startLocked(); err != nil {
			return err
		}
	}
	err := o.queue.push(pcm)
	if errors.Is(err, errPlaybackStopped) {
		// ffplay went away on its own; start over with a fresh process.
		o.stopLocked()
		if err := o.startLocked(); err != nil {
			return err
		}
		err = o.queue.push(pcm)
	}
	return err
}

func (o *ffplayOutput) startLocked() error {
	cmd := exec.Command(o.path,
		"-nodisp",
		"-autoexit",
		"-loglevel", "error",
		"-f", "s16le",
		"-ar", strconv.Itoa(o.sampleRate),
		"-ac", "1",
		"-i", "pipe:0",
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("open ffplay stdin: %w", err)
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffplay: %w", err)
	}
	o.gen++
	o.cmd = cmd
	o.queue = newPCMQueue(int(maxQueuedPlayback.Seconds()) * o.sampleRate * pcmBytesPerSample)
	gen := o.gen
	go feedPCM(o.queue, stdin, func(err error) {
		o.mu.Lock()
		current := o.gen == gen
		o.mu.Unlock()
		if current {
			o.logger.Warn("playback write failed", zap.Error(err))
		}
	})
	return nil
}

// feedPCM copies queued audio into w until the queue closes or a write
// fails. A failed write closes the queue so Play reports it.
func feedPCM(q *pcmQueue, w io.WriteCloser, onErr func(error)) {
	defer w.Close()
	for {
		pcm, ok := q.next()
		if !ok {
			return
		}
		if _, err := w.Write(pcm); err != nil {
			q.close()
			if onErr != nil {
				onErr(err)
			}
			return
		}
	}
}

// Stop drops queued and playing audio.
func (o *ffplayOutput) Stop() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stopLocked()
	return nil
}

func (o *ffplayOutput) stopLocked() {
	if o.cmd == nil {
		return
	}
	o.queue.close()
	if o.cmd.Process != nil {
		_ = o.cmd.Process.Kill()
	}
	_ = o.cmd.Wait()
	o.cmd = nil
	o.queue = nil
	o.gen++
}

func (o *ffplayOutput) Close() error {
	return o.Stop()
}
