// Package streams tracks open UI event streams so shutdown can drain them.
package streams

import (
	"context"
	"sync"

	"github.com/vango-go/vai-kiosk/internal/metrics"
)

// Handle is how the registry reaches one stream.
type Handle struct {
	// Notify queues a frame for the client. Best effort.
	Notify func(frame []byte) error
	// Close ends the stream with a close reason.
	Close func(reason string)
}

type Registry struct {
	metrics *metrics.Metrics

	mu      sync.Mutex
	streams map[string]*entry
	wg      sync.WaitGroup
}

type entry struct {
	handle Handle
	once   sync.Once
}

func NewRegistry(m *metrics.Metrics) *Registry {
	return &Registry{
		metrics: m,
		streams: make(map[string]*entry),
	}
}

// Add registers a stream under id. A stream already registered under the
// same id is closed and replaced. The returned func removes the stream and
// is safe to call more than once.
func (r *Registry) Add(id string, h Handle) (remove func()) {
	if r == nil {
		return func() {}
	}

	e := &entry{handle: h}

	r.mu.Lock()
	old := r.streams[id]
	r.streams[id] = e
	r.wg.Add(1)
	r.mu.Unlock()
	r.metrics.StreamOpened()

	if old != nil {
		if old.handle.Close != nil {
			old.handle.Close("replaced")
		}
		r.remove(id, old)
	}

	return func() { r.remove(id, e) }
}

func (r *Registry) remove(id string, e *entry) {
	e.once.Do(func() {
		r.mu.Lock()
		if r.streams[id] == e {
			delete(r.streams, id)
		}
		r.mu.Unlock()
		r.metrics.StreamClosed()
		r.wg.Done()
	})
}

func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}

func (r *Registry) handles() []Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Handle, 0, len(r.streams))
	for _, e := range r.streams {
		out = append(out, e.handle)
	}
	return out
}

// Broadcast sends frame to every stream and returns how many accepted it.
func (r *Registry) Broadcast(frame []byte) (sent int) {
	if r == nil {
		return 0
	}
	for _, h := range r.handles() {
		if h.Notify == nil {
			continue
		}
		if err := h.Notify(frame); err == nil {
			sent++
		}
	}
	return sent
}

// CloseAll asks every stream to close. Streams remove themselves once their
// handler returns.
func (r *Registry) CloseAll(reason string) (closed int) {
	if r == nil {
		return 0
	}
	for _, h := range r.handles() {
		if h.Close == nil {
			continue
		}
		h.Close(reason)
		closed++
	}
	return closed
}

// Wait blocks until every stream was removed or ctx is done.
func (r *Registry) Wait(ctx context.Context) bool {
	if r == nil {
		return true
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
