// Package live implements the realtime voice session engine behind the
// intake kiosk.
//
// An Engine holds one streaming connection to a remote conversational model
// (a realtime.Provider session). Microphone frames go out; model audio,
// transcript deltas and tool calls come back. Tool calls mutate an
// intake.Form, and refused step transitions are answered with corrective
// text so the model asks for the missing confirmations.
//
// # Components
//
//   - PCM codec (EncodePCM16, DecodePCM16, Level)
//   - TranscriptAssembler: merges deltas into role-tagged turns
//   - PlaybackScheduler: gapless playback timeline with barge-in flush
//   - CapturePipeline: microphone frames to the outbound queue
//   - Dispatcher: routes tool calls and acknowledges every one
//   - Engine: connection state machine and event loop
//
// # State Machine
//
//	Disconnected → Connecting → Connected → {Disconnected, Error}
//
// Connected is entered only after the provider's ready signal. Error and
// Disconnected both release capture and playback; the form is never reset by
// a dropped connection.
//
// # Concurrency
//
// A single loop goroutine owns the session, transcript, playback timeline and
// form mutations. Provider reads, microphone frames, HTTP commands and the
// reap ticker post closures into it. Observers use Subscribe; delivery never
// blocks the loop.
package live
