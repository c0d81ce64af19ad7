package live

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vango-go/vai-kiosk/internal/logging"
	"github.com/vango-go/vai-kiosk/internal/metrics"
	"github.com/vango-go/vai-kiosk/pkg/core"
	"github.com/vango-go/vai-kiosk/pkg/core/intake"
	"github.com/vango-go/vai-kiosk/pkg/core/realtime"
)

// ErrEngineClosed is returned by operations on a closed engine.
var ErrEngineClosed = errors.New("engine closed")

// ErrConnectAborted is returned by Connect when a Disconnect arrived while
// the handshake was in flight.
var ErrConnectAborted = errors.New("connect aborted by disconnect")

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = logging.OrNop(logger) }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithMicrophone sets the capture device. Without one, audio arrives only
// through SendAudioFrame.
func WithMicrophone(mic Microphone) Option {
	return func(e *Engine) { e.mic = mic }
}

// WithAudioOutput sets the playback device.
func WithAudioOutput(out AudioOutput) Option {
	return func(e *Engine) { e.output = out }
}

// WithClock sets the playback clock.
func WithClock(clock Clock) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithTokenSource sets where session credentials come from.
func WithTokenSource(ts realtime.TokenSource) Option {
	return func(e *Engine) { e.tokens = ts }
}

// connectAttempt tracks the in-flight connect so a Disconnect can abort it.
type connectAttempt struct {
	cancel  context.CancelFunc
	aborted bool
}

// Engine is the realtime voice session engine. One goroutine (the loop) owns
// the session pointer, transcript, playback timeline, state transitions and
// form mutations; everything else posts closures into it.
type Engine struct {
	cfg      EngineConfig
	provider realtime.Provider
	form     *intake.Form

	tokens  realtime.TokenSource
	mic     Microphone
	output  AudioOutput
	clock   Clock
	logger  *zap.Logger
	metrics *metrics.Metrics

	dispatcher *Dispatcher
	playback   *PlaybackScheduler

	// Loop-owned.
	sess       *session
	transcript *TranscriptAssembler
	followUps  []string

	state  atomic.Int32
	active atomic.Pointer[session]

	ops       chan func()
	closing   chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once

	guardMu  sync.Mutex
	inFlight bool
	attempt  *connectAttempt

	subsMu  sync.Mutex
	subs    map[int]chan Event
	nextSub int
}

// NewEngine returns a running engine bound to provider and form. The engine
// mutates form but never replaces it.
func NewEngine(provider realtime.Provider, form *intake.Form, cfg EngineConfig, opts ...Option) (*Engine, error) {
	if provider == nil {
		return nil, fmt.Errorf("live: provider is required")
	}
	if form == nil {
		return nil, fmt.Errorf("live: form is required")
	}

	e := &Engine{
		cfg:        cfg.withDefaults(),
		provider:   provider,
		form:       form,
		clock:      SystemClock{},
		logger:     zap.NewNop(),
		transcript: NewTranscriptAssembler(),
		ops:        make(chan func(), 256),
		closing:    make(chan struct{}),
		loopDone:   make(chan struct{}),
		subs:       make(map[int]chan Event),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(zap.String("provider", provider.Name()))
	e.playback = NewPlaybackScheduler(e.cfg.outputAudio(), e.clock, e.output)
	e.dispatcher = NewDispatcher(e.logger, e.metrics)
	for _, name := range []string{intake.ToolUpdateField, intake.ToolConfirmField, intake.ToolRequestStepTransition} {
		e.dispatcher.Register(name, e.handleFormTool)
	}
	e.metrics.SetState(StateDisconnected.String(), stateNames())

	go e.loop()
	return e, nil
}

func stateNames() []string {
	all := AllStates()
	names := make([]string, len(all))
	for i, s := range all {
		names[i] = s.String()
	}
	return names
}

// State returns the current session state.
func (e *Engine) State() SessionState {
	return SessionState(e.state.Load())
}

// Form returns a snapshot of the form.
func (e *Engine) Form() intake.Snapshot {
	return e.form.Snapshot()
}

// Transcript returns the assembled turns.
func (e *Engine) Transcript(ctx context.Context) ([]Turn, error) {
	var turns []Turn
	err := e.call(ctx, func() { turns = e.transcript.Turns() })
	return turns, err
}

// SessionID returns the id of the live session, or "".
func (e *Engine) SessionID() string {
	if s := e.active.Load(); s != nil {
		return s.id
	}
	return ""
}

// Subscribe returns a channel of observer events and a cancel func. Delivery
// never blocks the engine: when the channel is full the event is dropped for
// that subscriber. buffer <= 0 uses the configured default.
func (e *Engine) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = e.cfg.EventBuffer
	}
	ch := make(chan Event, buffer)

	e.subsMu.Lock()
	select {
	case <-e.closing:
		e.subsMu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}
	id := e.nextSub
	e.nextSub++
	e.subs[id] = ch
	e.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.subsMu.Lock()
			defer e.subsMu.Unlock()
			if c, ok := e.subs[id]; ok {
				delete(e.subs, id)
				close(c)
			}
		})
	}
}

func (e *Engine) publish(ev Event) {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	for _, ch := range e.subs {
		select {
		case ch <- ev:
		default:
			e.metrics.RecordObserverDrop()
		}
	}
}

// Connect opens a session and returns once the provider reported ready.
// A Connect or Disconnect already in flight makes this call a no-op, as does
// an existing connection.
func (e *Engine) Connect(ctx context.Context, languageHint string) error {
	e.guardMu.Lock()
	if e.inFlight || e.isClosing() || e.State() == StateConnected {
		e.guardMu.Unlock()
		return nil
	}
	attemptCtx, cancel := context.WithCancel(ctx)
	att := &connectAttempt{cancel: cancel}
	e.inFlight = true
	e.attempt = att
	e.guardMu.Unlock()
	defer cancel()

	bg := context.WithoutCancel(ctx)
	if err := e.call(bg, func() { e.transition(StateConnecting, nil) }); err != nil {
		e.finishAttempt()
		return err
	}

	s, err := e.open(attemptCtx, languageHint)
	if err == nil && attemptCtx.Err() != nil {
		// The handshake settled after a Disconnect or caller cancel.
		s.close()
		err = attemptCtx.Err()
	}
	if err == nil {
		err = e.call(bg, func() { e.install(s, languageHint) })
		if err != nil {
			s.close()
		}
	}

	aborted := e.finishAttempt()
	switch {
	case aborted || (err != nil && ctx.Err() != nil):
		// Abandoned by the caller or a Disconnect: release everything and
		// end Disconnected.
		_ = e.call(bg, func() { e.teardown(StateDisconnected, "connect_aborted", nil) })
		e.metrics.RecordConnect(e.provider.Name(), "aborted")
		if aborted {
			return ErrConnectAborted
		}
		return ctx.Err()
	case err != nil:
		_ = e.call(bg, func() { e.teardown(StateError, "connect_failed", err) })
		outcome := string(core.KindOf(err))
		if outcome == "" {
			outcome = "error"
		}
		e.metrics.RecordConnect(e.provider.Name(), outcome)
		e.logger.Warn("connect failed", zap.Error(err))
		return err
	}
	e.metrics.RecordConnect(e.provider.Name(), "ok")
	return nil
}

func (e *Engine) finishAttempt() bool {
	e.guardMu.Lock()
	defer e.guardMu.Unlock()
	aborted := e.attempt != nil && e.attempt.aborted
	e.inFlight = false
	e.attempt = nil
	return aborted
}

// open acquires the credential, the microphone and the provider session,
// in that order. On failure everything acquired so far is released.
func (e *Engine) open(ctx context.Context, languageHint string) (*session, error) {
	var credential string
	if e.tokens != nil {
		tok, err := e.tokens.Token(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, core.NewHandshakeError("token", "credential unavailable", err)
		}
		credential = tok
	}

	var reader FrameReader
	if e.mic != nil {
		r, err := e.mic.Open(ctx, e.cfg.inputAudio())
		if err != nil {
			return nil, core.NewPermissionError("microphone", err)
		}
		reader = r
	}

	rt, err := e.provider.Connect(ctx, realtime.SessionConfig{
		Model:            e.cfg.Model,
		Voice:            e.cfg.Voice,
		Instructions:     intake.Instructions(e.form.Layout(), languageHint),
		LanguageHint:     languageHint,
		Tools:            intake.Tools(e.form.Layout()),
		InputSampleRate:  e.cfg.InputSampleRate,
		OutputSampleRate: e.cfg.OutputSampleRate,
		Credential:       credential,
	})
	if err != nil {
		if reader != nil {
			_ = reader.Close()
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var ce *core.Error
		if !errors.As(err, &ce) {
			err = core.NewTransportError("connect", err)
		}
		return nil, err
	}

	id := uuid.NewString()
	return newSession(id, rt, reader, e.cfg.AudioQueueSize, e.logger.With(zap.String("session_id", id)), e.metrics), nil
}

// install makes s the live session and starts its goroutines. Loop only.
func (e *Engine) install(s *session, languageHint string) {
	if e.sess != nil {
		e.teardown(StateDisconnected, "replaced", nil)
	}
	e.sess = s
	e.active.Store(s)
	e.playback.Open()
	e.transition(StateConnected, nil)

	go s.writeLoop(func(err error) {
		e.post(func() { e.sessionFailed(s, core.NewTransportError("send", err)) })
	})
	go s.readLoop(
		func(ev realtime.Event) { e.post(func() { e.handleEvent(s, ev) }) },
		func(err error) { e.post(func() { e.sessionEnded(s, err) }) },
	)
	if s.reader != nil {
		s.capture = NewCapturePipeline(s.reader, s, CaptureOptions{
			FrameSamples: e.cfg.inputAudio().SamplesForDurationMs(e.cfg.FrameMs),
			Connected:    func() bool { return e.active.Load() == s },
			OnLevel:      func(level int) { e.publish(&InputLevelEvent{Level: level}) },
		})
		go func() {
			if err := s.capture.Run(s.ctx); err != nil {
				// The device was granted at connect; losing it now is a
				// transport failure, not a permission denial.
				e.post(func() { e.sessionFailed(s, core.NewTransportError("capture", err)) })
			}
		}()
	}

	s.logger.Info("session connected", zap.String("language", languageHint))
}

// Disconnect ends the session and always leaves the engine Disconnected. A
// Disconnect during an in-flight Connect aborts that connect, which tears
// down once its handshake settles.
func (e *Engine) Disconnect(ctx context.Context) error {
	e.guardMu.Lock()
	if e.inFlight {
		if e.attempt != nil && !e.attempt.aborted {
			e.attempt.aborted = true
			e.attempt.cancel()
		}
		e.guardMu.Unlock()
		return nil
	}
	e.inFlight = true
	e.guardMu.Unlock()
	defer e.finishAttempt()

	if e.isClosing() {
		return nil
	}
	return e.call(ctx, func() { e.teardown(StateDisconnected, "disconnect", nil) })
}

// teardown releases the session, flushes playback and moves to state. Loop
// only. Safe with no session.
func (e *Engine) teardown(state SessionState, reason string, cause error) {
	s := e.sess
	e.sess = nil
	e.active.Store(nil)
	if s != nil {
		s.close()
		s.logger.Info("session closed", zap.String("reason", reason), zap.Error(cause))
	}
	e.bargeIn(reason)
	e.followUps = nil
	e.transition(state, cause)
}

func (e *Engine) sessionFailed(s *session, err error) {
	if e.sess != s {
		return
	}
	e.teardown(StateError, "session_failed", err)
}

func (e *Engine) sessionEnded(s *session, err error) {
	if e.sess != s {
		return
	}
	if err == nil {
		e.teardown(StateDisconnected, "remote_closed", nil)
		return
	}
	var ce *core.Error
	if !errors.As(err, &ce) {
		err = core.NewTransportError("receive", err)
	}
	e.teardown(StateError, "remote_error", err)
}

// transition records a state change and notifies observers. Loop only.
func (e *Engine) transition(to SessionState, cause error) {
	from := SessionState(e.state.Swap(int32(to)))
	if from == to && cause == nil {
		return
	}
	e.metrics.SetState(to.String(), stateNames())
	ev := &StateChangedEvent{From: from, To: to}
	if cause != nil {
		ev.Error = cause.Error()
	}
	e.publish(ev)
}

// bargeIn flushes pending playback. Loop only.
func (e *Engine) bargeIn(trigger string) {
	flushed, err := e.playback.Flush()
	if err != nil {
		e.logger.Warn("playback stop failed", zap.Error(err))
	}
	if flushed == 0 {
		return
	}
	e.metrics.RecordBargeIn(trigger)
	e.publish(&BargeInEvent{Trigger: trigger, Flushed: flushed})
	e.publish(&OutputLevelEvent{Level: 0})
}

func (e *Engine) handleEvent(s *session, ev realtime.Event) {
	if e.sess != s {
		return
	}
	switch ev := ev.(type) {
	case realtime.AudioDeltaEvent:
		samples := DecodePCM16(ev.PCM)
		if len(samples) == 0 {
			return
		}
		if s.awaitingAudio {
			s.awaitingAudio = false
			e.metrics.ObserveResponseLatency(e.clock.Now().Sub(s.speechEndedAt))
		}
		if _, err := e.playback.Schedule(samples); err != nil {
			s.logger.Warn("playback failed", zap.Error(err))
		}
		e.metrics.RecordPlayback()
		e.publish(&OutputLevelEvent{Level: e.playback.Level()})

	case realtime.TranscriptDeltaEvent:
		if ev.Role == RoleUser && !ev.Final {
			e.bargeIn("user_speech")
		}
		if e.transcript.Apply(TranscriptDelta{Role: ev.Role, Text: ev.Text, Final: ev.Final}) {
			e.publish(&TranscriptEvent{Turns: e.transcript.Turns()})
		}

	case realtime.InterruptedEvent:
		e.bargeIn("interrupted")

	case realtime.SpeechStartedEvent:
		// Server VAD onset arrives well before any user transcript text.
		e.bargeIn("speech_started")

	case realtime.SpeechStoppedEvent:
		s.speechEndedAt = e.clock.Now()
		s.awaitingAudio = true

	case realtime.ToolCallEvent:
		e.handleToolCall(s, ev)

	case realtime.ErrorEvent:
		s.logger.Warn("provider error", zap.String("code", ev.Code), zap.String("message", ev.Message))
		e.publish(&ErrorEvent{Kind: "provider", Message: strings.TrimSpace(ev.Code + " " + ev.Message)})

	case realtime.TurnCompleteEvent:
	case realtime.UnknownEvent:
		s.logger.Debug("unhandled provider event", zap.String("type", ev.Type))
	}
}

// handleToolCall dispatches, acknowledges, then sends any corrective text
// the form produced. The acknowledgement always goes out first.
func (e *Engine) handleToolCall(s *session, call realtime.ToolCallEvent) {
	err := e.dispatcher.Dispatch(s.ctx, call, s)

	ev := &ToolCallEvent{ID: call.ID, Name: call.Name, Args: call.Args}
	if err != nil {
		ev.Error = err.Error()
	}
	e.publish(ev)

	for _, text := range e.followUps {
		s.SendText(text)
	}
	e.followUps = nil
}

// handleFormTool is the dispatcher handler for the form tools. It runs on
// the loop because Dispatch is only called from there.
func (e *Engine) handleFormTool(_ context.Context, call realtime.ToolCallEvent) error {
	if call.Args == nil && strings.TrimSpace(call.RawArgs) != "" {
		return core.NewProtocolViolation(call.Name, "arguments are not a JSON object")
	}
	op, err := intake.ParseOperation(call.Name, call.Args)
	if err != nil {
		return err
	}
	out, err := e.applyOperation(op)
	if err != nil {
		return err
	}
	if out.Refused() {
		e.followUps = append(e.followUps, intake.CorrectiveInstruction(op.(intake.RequestStep).Target, out.Blocked))
	}
	return nil
}

// applyOperation mutates the form and notifies observers. Loop only.
func (e *Engine) applyOperation(op intake.Operation) (intake.Outcome, error) {
	out, err := e.form.Apply(op)
	if err != nil {
		return out, err
	}
	if out.Refused() {
		target := op.(intake.RequestStep).Target
		e.metrics.RecordGatingRefusal(target)
		e.logger.Info("step transition refused", zap.String("target", target), zap.Int("blocked", len(out.Blocked)), zap.Error(out.Err()))
		e.publish(&GatingRefusedEvent{Target: target, Blocked: out.Blocked})
	}
	e.publish(&FormChangedEvent{Form: e.form.Snapshot()})
	return out, nil
}

// Apply runs a form operation on behalf of the UI. Confirmations are
// mirrored to the model so its view of the form stays current.
func (e *Engine) Apply(ctx context.Context, op intake.Operation) (intake.Outcome, error) {
	var (
		out intake.Outcome
		err error
	)
	callErr := e.call(ctx, func() {
		out, err = e.applyOperation(op)
		if err != nil || e.sess == nil {
			return
		}
		if c, ok := op.(intake.ConfirmField); ok {
			if f, found := e.form.Field(c.FieldID); found {
				e.sess.SendText(intake.ConfirmationNotice(f))
			}
		}
	})
	if callErr != nil {
		return out, callErr
	}
	return out, err
}

// UpdateField sets a field value from the UI.
func (e *Engine) UpdateField(ctx context.Context, id, value string, source intake.Source) error {
	if source == "" {
		source = intake.SourceSpeech
	}
	_, err := e.Apply(ctx, intake.UpdateField{FieldID: id, Value: value, Source: source})
	return err
}

// ConfirmField confirms a field from the UI.
func (e *Engine) ConfirmField(ctx context.Context, id string) error {
	_, err := e.Apply(ctx, intake.ConfirmField{FieldID: id})
	return err
}

// RequestStep asks for a step transition from the UI and returns the fields
// blocking it, if any.
func (e *Engine) RequestStep(ctx context.Context, target string) ([]intake.BlockedField, error) {
	out, err := e.Apply(ctx, intake.RequestStep{Target: target})
	return out.Blocked, err
}

// ResetForm clears the form and the transcript for the next visitor.
func (e *Engine) ResetForm(ctx context.Context) error {
	return e.call(ctx, func() {
		e.form.Reset()
		e.transcript.Reset()
		e.publish(&FormChangedEvent{Form: e.form.Snapshot()})
		e.publish(&TranscriptEvent{Turns: []Turn{}})
	})
}

// SendAudioFrame queues an encoded PCM16 frame. Frames are dropped unless
// Connected; the call never blocks.
func (e *Engine) SendAudioFrame(pcm []byte) {
	s := e.active.Load()
	if s == nil {
		e.metrics.RecordAudioFrame("skipped")
		return
	}
	s.SendAudioFrame(pcm)
}

// SendText injects a synthetic user turn. It is a no-op unless Connected and
// reports whether the text was queued.
func (e *Engine) SendText(text string) bool {
	s := e.active.Load()
	if s == nil || strings.TrimSpace(text) == "" {
		return false
	}
	s.SendText(text)
	return true
}

// Close disconnects and stops the loop. Subscriber channels are closed.
func (e *Engine) Close(ctx context.Context) error {
	err := e.Disconnect(ctx)
	e.closeOnce.Do(func() {
		close(e.closing)
	})
	select {
	case <-e.loopDone:
	case <-ctx.Done():
		return ctx.Err()
	}

	e.subsMu.Lock()
	for id, ch := range e.subs {
		delete(e.subs, id)
		close(ch)
	}
	e.subsMu.Unlock()
	return err
}

func (e *Engine) isClosing() bool {
	select {
	case <-e.closing:
		return true
	default:
		return false
	}
}

func (e *Engine) loop() {
	defer close(e.loopDone)
	ticker := time.NewTicker(e.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case fn := <-e.ops:
			fn()
		case <-ticker.C:
			if e.playback.Reap() > 0 && e.playback.Pending() == 0 {
				e.publish(&OutputLevelEvent{Level: 0})
			}
		case <-e.closing:
			// Run what was queued before close so waiters are released.
			for {
				select {
				case fn := <-e.ops:
					fn()
				default:
					if e.sess != nil {
						e.teardown(StateDisconnected, "engine_closed", nil)
					}
					return
				}
			}
		}
	}
}

// post queues fn on the loop. It reports false once the engine is closed.
func (e *Engine) post(fn func()) bool {
	select {
	case <-e.closing:
		return false
	default:
	}
	select {
	case e.ops <- fn:
		return true
	case <-e.closing:
		return false
	}
}

// call runs fn on the loop and waits for it. If ctx ends first, fn still
// runs but call returns ctx.Err().
func (e *Engine) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !e.post(func() {
		defer close(done)
		fn()
	}) {
		return ErrEngineClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.loopDone:
		select {
		case <-done:
			return nil
		default:
			return ErrEngineClosed
		}
	}
}
