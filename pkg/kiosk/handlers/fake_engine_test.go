package handlers

import (
	"context"
	"sync"
	"testing"

	"github.com/vango-go/vai-kiosk/pkg/core/intake"
	"github.com/vango-go/vai-kiosk/pkg/core/live"
)

// fakeEngine drives a real form with a scripted connection.
type fakeEngine struct {
	form *intake.Form

	mu         sync.Mutex
	state      live.SessionState
	connectErr error
	connects   []string
	texts      []string
	frames     [][]byte
	subs       []chan live.Event
}

func newFakeEngine(t *testing.T) *fakeEngine {
	t.Helper()
	form, err := intake.NewForm(intake.DefaultLayout(), intake.WithReceiptCodes(func() string { return "INT-TEST" }))
	if err != nil {
		t.Fatalf("NewForm: %v", err)
	}
	return &fakeEngine{form: form}
}

func (f *fakeEngine) State() live.SessionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeEngine) SessionID() string {
	if f.State() == live.StateConnected {
		return "sess_1"
	}
	return ""
}

func (f *fakeEngine) Form() intake.Snapshot { return f.form.Snapshot() }

func (f *fakeEngine) Transcript(ctx context.Context) ([]live.Turn, error) {
	return []live.Turn{{Role: live.RoleUser, Text: "hola"}}, nil
}

func (f *fakeEngine) Subscribe(buffer int) (<-chan live.Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan live.Event, buffer)
	f.mu.Lock()
	f.subs = append(f.subs, ch)
	f.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			for i, c := range f.subs {
				if c == ch {
					f.subs = append(f.subs[:i], f.subs[i+1:]...)
					close(c)
					return
				}
			}
		})
	}
}

func (f *fakeEngine) subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeEngine) publish(ev live.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (f *fakeEngine) Connect(ctx context.Context, languageHint string) error {
	f.mu.Lock()
	f.connects = append(f.connects, languageHint)
	err := f.connectErr
	if err == nil {
		f.state = live.StateConnected
	} else {
		f.state = live.StateError
	}
	f.mu.Unlock()
	return err
}

func (f *fakeEngine) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	f.state = live.StateDisconnected
	f.mu.Unlock()
	return nil
}

func (f *fakeEngine) UpdateField(ctx context.Context, id, value string, source intake.Source) error {
	return f.form.UpdateField(id, value, source)
}

func (f *fakeEngine) ConfirmField(ctx context.Context, id string) error {
	return f.form.ConfirmField(id)
}

func (f *fakeEngine) RequestStep(ctx context.Context, target string) ([]intake.BlockedField, error) {
	return f.form.RequestStepTransition(target)
}

func (f *fakeEngine) ResetForm(ctx context.Context) error {
	f.form.Reset()
	return nil
}

func (f *fakeEngine) SendText(text string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != live.StateConnected {
		return false
	}
	f.texts = append(f.texts, text)
	return true
}

func (f *fakeEngine) SendAudioFrame(pcm []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, pcm)
}

func (f *fakeEngine) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}
