package live

import (
	"github.com/vango-go/vai-kiosk/pkg/core/intake"
)

// Event is the interface for all observer events.
type Event interface {
	// EventType returns the event type string for serialization.
	EventType() string
}

// StateChangedEvent is emitted when the session state changes.
type StateChangedEvent struct {
	From  SessionState `json:"from"`
	To    SessionState `json:"to"`
	Error string       `json:"error,omitempty"`
}

func (e *StateChangedEvent) EventType() string { return "state.changed" }

// TranscriptEvent carries the full turn list after it changed.
type TranscriptEvent struct {
	Turns []Turn `json:"turns"`
}

func (e *TranscriptEvent) EventType() string { return "transcript.updated" }

// InputLevelEvent is the microphone visualization level in [0, LevelMax].
type InputLevelEvent struct {
	Level int `json:"level"`
}

func (e *InputLevelEvent) EventType() string { return "audio.input_level" }

// OutputLevelEvent is the playback visualization level in [0, LevelMax].
type OutputLevelEvent struct {
	Level int `json:"level"`
}

func (e *OutputLevelEvent) EventType() string { return "audio.output_level" }

// ToolCallEvent is emitted for every tool call after it was acknowledged.
type ToolCallEvent struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Args  map[string]any `json:"args,omitempty"`
	Error string         `json:"error,omitempty"`
}

func (e *ToolCallEvent) EventType() string { return "tool.call" }

// FormChangedEvent carries the form after a mutation.
type FormChangedEvent struct {
	Form intake.Snapshot `json:"form"`
}

func (e *FormChangedEvent) EventType() string { return "form.changed" }

// GatingRefusedEvent is emitted when a step transition was blocked.
type GatingRefusedEvent struct {
	Target  string                `json:"target"`
	Blocked []intake.BlockedField `json:"blocked"`
}

func (e *GatingRefusedEvent) EventType() string { return "form.gating_refused" }

// BargeInEvent is emitted when pending playback was flushed.
type BargeInEvent struct {
	Trigger string `json:"trigger"`
	Flushed int    `json:"flushed"`
}

func (e *BargeInEvent) EventType() string { return "audio.barge_in" }

// ErrorEvent reports a non-fatal problem.
type ErrorEvent struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e *ErrorEvent) EventType() string { return "error" }
