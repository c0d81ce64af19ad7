package realtime

// Role attributes transcript text to a speaker.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Event is a provider-neutral inbound event.
type Event interface {
	realtimeEventType() string
}

// EventType returns the stable name of an event, for logs and metrics.
func EventType(e Event) string {
	if e == nil {
		return ""
	}
	return e.realtimeEventType()
}

// AudioDeltaEvent carries model audio as PCM16 LE mono at SampleRate.
type AudioDeltaEvent struct {
	PCM        []byte
	SampleRate int
}

func (AudioDeltaEvent) realtimeEventType() string { return "audio_delta" }

// TranscriptDeltaEvent is an incremental transcript fragment. Final events
// carry no text and only mark the end of the role's turn.
type TranscriptDeltaEvent struct {
	Role  Role
	Text  string
	Final bool
}

func (TranscriptDeltaEvent) realtimeEventType() string { return "transcript_delta" }

// ToolCallEvent is a function call issued by the model. Args is nil when the
// provider delivered arguments that could not be decoded; RawArgs keeps the
// original payload for logging.
type ToolCallEvent struct {
	ID      string
	Name    string
	Args    map[string]any
	RawArgs string
}

func (ToolCallEvent) realtimeEventType() string { return "tool_call" }

// InterruptedEvent reports that the provider cut off the model's response
// because the user started speaking.
type InterruptedEvent struct{}

func (InterruptedEvent) realtimeEventType() string { return "interrupted" }

// SpeechStartedEvent reports provider-side voice activity onset.
type SpeechStartedEvent struct{}

func (SpeechStartedEvent) realtimeEventType() string { return "speech_started" }

// SpeechStoppedEvent reports provider-side end of user speech.
type SpeechStoppedEvent struct{}

func (SpeechStoppedEvent) realtimeEventType() string { return "speech_stopped" }

// TurnCompleteEvent marks the end of a model response.
type TurnCompleteEvent struct{}

func (TurnCompleteEvent) realtimeEventType() string { return "turn_complete" }

// ErrorEvent is a non-terminal error reported by the remote side.
type ErrorEvent struct {
	Code    string
	Message string
}

func (ErrorEvent) realtimeEventType() string { return "error" }

// UnknownEvent is any frame the provider does not map.
type UnknownEvent struct {
	Type string
	Raw  []byte
}

func (e UnknownEvent) realtimeEventType() string { return e.Type }
