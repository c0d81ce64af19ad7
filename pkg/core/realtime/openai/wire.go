package openai

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vango-go/vai-kiosk/pkg/core/realtime"
)

// Client frames.

type sessionUpdate struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string             `json:"modalities"`
	Instructions            string               `json:"instructions,omitempty"`
	Voice                   string               `json:"voice,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format"`
	OutputAudioFormat       string               `json:"output_audio_format"`
	InputAudioTranscription *transcriptionParams `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetection       `json:"turn_detection,omitempty"`
	Tools                   []functionTool       `json:"tools,omitempty"`
	ToolChoice              string               `json:"tool_choice,omitempty"`
}

type transcriptionParams struct {
	Model    string `json:"model"`
	Language string `json:"language,omitempty"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type functionTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

type audioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type itemCreate struct {
	Type string       `json:"type"`
	Item conversation `json:"item"`
}

type conversation struct {
	Type    string        `json:"type"`
	Role    string        `json:"role,omitempty"`
	Content []contentPart `json:"content,omitempty"`
	CallID  string        `json:"call_id,omitempty"`
	Output  string        `json:"output,omitempty"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type responseCreate struct {
	Type string `json:"type"`
}

func buildSessionUpdate(cfg realtime.SessionConfig, transcriptionModel string) sessionUpdate {
	tools := make([]functionTool, 0, len(cfg.Tools))
	for _, decl := range cfg.Tools {
		tools = append(tools, functionTool{
			Type:        "function",
			Name:        decl.Name,
			Description: decl.Description,
			Parameters:  decl.JSONSchema(),
		})
	}
	params := sessionParams{
		Modalities:        []string{"audio", "text"},
		Instructions:      cfg.Instructions,
		Voice:             cfg.Voice,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		InputAudioTranscription: &transcriptionParams{
			Model:    transcriptionModel,
			Language: isoLanguage(cfg.LanguageHint),
		},
		TurnDetection: &turnDetection{Type: "server_vad"},
		Tools:         tools,
	}
	if len(tools) > 0 {
		params.ToolChoice = "auto"
	}
	return sessionUpdate{Type: "session.update", Session: params}
}

// isoLanguage reduces a BCP-47 tag to the ISO-639-1 code the transcriber takes.
func isoLanguage(tag string) string {
	tag = strings.TrimSpace(tag)
	if i := strings.IndexAny(tag, "-_"); i > 0 {
		tag = tag[:i]
	}
	return strings.ToLower(tag)
}

// Server frames.

type serverEnvelope struct {
	Type string `json:"type"`
}

type serverError struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type serverDelta struct {
	ItemID string `json:"item_id"`
	Delta  string `json:"delta"`
}

type serverTranscriptionCompleted struct {
	ItemID     string `json:"item_id"`
	Transcript string `json:"transcript"`
}

type serverFunctionCallDone struct {
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// frameDecoder maps server frames to provider-neutral events. It remembers
// which input items already streamed deltas so completed transcripts are not
// duplicated. Owned by the read loop.
type frameDecoder struct {
	outputSampleRate int
	userItems        map[string]bool

	// onResponse, when set, observes the response lifecycle.
	onResponse func(sig responseSignal)
}

type responseSignal int

const (
	responseCreated responseSignal = iota
	responseDone
	// responseRejected is an error frame other than an active-response
	// conflict. A response.create sent before it will never start.
	responseRejected
)

const errActiveResponse = "conversation_already_has_active_response"

func newFrameDecoder(outputSampleRate int) *frameDecoder {
	return &frameDecoder{
		outputSampleRate: outputSampleRate,
		userItems:        make(map[string]bool),
	}
}

func (d *frameDecoder) decode(data []byte) ([]realtime.Event, error) {
	var envelope serverEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decode realtime frame envelope: %w", err)
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, fmt.Errorf("realtime frame missing type")
	}

	switch typ {
	case "response.audio.delta", "response.output_audio.delta":
		var msg serverDelta
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", typ, err)
		}
		pcm, err := base64.StdEncoding.DecodeString(msg.Delta)
		if err != nil {
			return nil, fmt.Errorf("decode %s audio: %w", typ, err)
		}
		return one(realtime.AudioDeltaEvent{PCM: pcm, SampleRate: d.outputSampleRate}), nil

	case "response.audio_transcript.delta", "response.output_audio_transcript.delta":
		var msg serverDelta
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", typ, err)
		}
		return one(realtime.TranscriptDeltaEvent{Role: realtime.RoleModel, Text: msg.Delta}), nil

	case "response.audio_transcript.done", "response.output_audio_transcript.done":
		return one(realtime.TranscriptDeltaEvent{Role: realtime.RoleModel, Final: true}), nil

	case "conversation.item.input_audio_transcription.delta":
		var msg serverDelta
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", typ, err)
		}
		d.userItems[msg.ItemID] = true
		return one(realtime.TranscriptDeltaEvent{Role: realtime.RoleUser, Text: msg.Delta}), nil

	case "conversation.item.input_audio_transcription.completed":
		var msg serverTranscriptionCompleted
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", typ, err)
		}
		var out []realtime.Event
		if !d.userItems[msg.ItemID] && msg.Transcript != "" {
			out = append(out, realtime.TranscriptDeltaEvent{Role: realtime.RoleUser, Text: msg.Transcript})
		}
		delete(d.userItems, msg.ItemID)
		return append(out, realtime.TranscriptDeltaEvent{Role: realtime.RoleUser, Final: true}), nil

	case "input_audio_buffer.speech_started":
		return one(realtime.SpeechStartedEvent{}), nil

	case "input_audio_buffer.speech_stopped":
		return one(realtime.SpeechStoppedEvent{}), nil

	case "response.function_call_arguments.done":
		var msg serverFunctionCallDone
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", typ, err)
		}
		call := realtime.ToolCallEvent{ID: msg.CallID, Name: msg.Name, RawArgs: msg.Arguments}
		args := make(map[string]any)
		if strings.TrimSpace(msg.Arguments) == "" || json.Unmarshal([]byte(msg.Arguments), &args) == nil {
			call.Args = args
		}
		return one(call), nil

	case "response.created":
		d.signal(responseCreated)
		return nil, nil

	case "response.done":
		d.signal(responseDone)
		return one(realtime.TurnCompleteEvent{}), nil

	case "error":
		var msg serverError
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("decode error frame: %w", err)
		}
		code := msg.Error.Code
		if code == "" {
			code = msg.Error.Type
		}
		if msg.Error.Code != errActiveResponse {
			d.signal(responseRejected)
		}
		return one(realtime.ErrorEvent{Code: code, Message: msg.Error.Message}), nil

	default:
		return one(realtime.UnknownEvent{Type: typ, Raw: append([]byte(nil), data...)}), nil
	}
}

func (d *frameDecoder) signal(sig responseSignal) {
	if d.onResponse != nil {
		d.onResponse(sig)
	}
}

func one(e realtime.Event) []realtime.Event { return []realtime.Event{e} }
