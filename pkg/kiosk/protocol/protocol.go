// Package protocol defines the JSON frames exchanged between the kiosk UI and
// the kiosk server over the event stream.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vango-go/vai-kiosk/pkg/core/intake"
	"github.com/vango-go/vai-kiosk/pkg/core/live"
)

const ProtocolVersion1 = "1"

// Client command types.
const (
	TypeConnect      = "connect"
	TypeDisconnect   = "disconnect"
	TypeUpdateField  = "update_field"
	TypeConfirmField = "confirm_field"
	TypeRequestStep  = "request_step"
	TypeResetForm    = "reset_form"
	TypeSendText     = "send_text"
	TypeAudioFrame   = "audio_frame"
)

// Server-only frame types. Engine events use their own EventType.
const (
	TypeHello         = "hello"
	TypeCommandResult = "command.result"
	TypeCommandError  = "command.error"
	TypeClosing       = "closing"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

type Connect struct {
	Type     string `json:"type"`
	Language string `json:"language,omitempty"`
}

type Disconnect struct {
	Type string `json:"type"`
}

type UpdateField struct {
	Type    string `json:"type"`
	FieldID string `json:"field_id"`
	Value   string `json:"value"`
	Source  string `json:"source,omitempty"`
}

// Normalize trims identifiers and defaults the source to speech.
func (m *UpdateField) Normalize() error {
	m.Type = TypeUpdateField
	m.FieldID = strings.TrimSpace(m.FieldID)
	if m.FieldID == "" {
		return badRequest("update_field.field_id is required", "field_id")
	}
	m.Source = strings.ToLower(strings.TrimSpace(m.Source))
	switch intake.Source(m.Source) {
	case "":
		m.Source = string(intake.SourceSpeech)
	case intake.SourceSpeech, intake.SourceImage:
	default:
		return badRequest("update_field.source must be speech or image", "source")
	}
	return nil
}

type ConfirmField struct {
	Type    string `json:"type"`
	FieldID string `json:"field_id"`
}

func (m *ConfirmField) Normalize() error {
	m.Type = TypeConfirmField
	m.FieldID = strings.TrimSpace(m.FieldID)
	if m.FieldID == "" {
		return badRequest("confirm_field.field_id is required", "field_id")
	}
	return nil
}

type RequestStep struct {
	Type   string `json:"type"`
	Target string `json:"target"`
}

func (m *RequestStep) Normalize() error {
	m.Type = TypeRequestStep
	m.Target = strings.TrimSpace(m.Target)
	if m.Target == "" {
		return badRequest("request_step.target is required", "target")
	}
	return nil
}

type ResetForm struct {
	Type string `json:"type"`
}

type SendText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (m *SendText) Normalize() error {
	m.Type = TypeSendText
	if strings.TrimSpace(m.Text) == "" {
		return badRequest("send_text.text is required", "text")
	}
	return nil
}

// AudioFrame is little-endian PCM16 mono at the session's input rate.
type AudioFrame struct {
	Type    string `json:"type"`
	DataB64 string `json:"data_b64"`

	PCM []byte `json:"-"`
}

// DecodeCommand parses one client frame into its typed command.
func DecodeCommand(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case TypeConnect:
		var msg Connect
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid connect", "")
		}
		msg.Language = strings.TrimSpace(msg.Language)
		return msg, nil
	case TypeDisconnect:
		return Disconnect{Type: typ}, nil
	case TypeUpdateField:
		var msg UpdateField
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid update_field", "")
		}
		if err := msg.Normalize(); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeConfirmField:
		var msg ConfirmField
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid confirm_field", "")
		}
		if err := msg.Normalize(); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeRequestStep:
		var msg RequestStep
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid request_step", "")
		}
		if err := msg.Normalize(); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeResetForm:
		return ResetForm{Type: typ}, nil
	case TypeSendText:
		var msg SendText
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid send_text", "")
		}
		if err := msg.Normalize(); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeAudioFrame:
		var msg AudioFrame
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid audio_frame", "")
		}
		if strings.TrimSpace(msg.DataB64) == "" {
			return nil, badRequest("audio_frame.data_b64 is required", "data_b64")
		}
		pcm, err := base64.StdEncoding.DecodeString(msg.DataB64)
		if err != nil {
			return nil, badRequest("audio_frame.data_b64 is not valid base64", "data_b64")
		}
		if len(pcm)%2 != 0 {
			return nil, badRequest("audio_frame must hold whole PCM16 samples", "data_b64")
		}
		msg.PCM = pcm
		return msg, nil
	default:
		return nil, badRequest("unsupported message type", "type")
	}
}

// Envelope wraps every server frame.
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// ServerHello is the first frame on a new event stream.
type ServerHello struct {
	ProtocolVersion string            `json:"protocol_version"`
	State           live.SessionState `json:"state"`
	SessionID       string            `json:"session_id,omitempty"`
	Form            intake.Snapshot   `json:"form"`
	Transcript      []live.Turn       `json:"transcript"`
}

// CommandReply answers one client command on the event stream. Exactly one
// of Result and Error is set.
type CommandReply struct {
	Command string `json:"command"`
	Result  any    `json:"result,omitempty"`
	Error   any    `json:"error,omitempty"`
}

// Closing tells the client the server is about to close the stream.
type Closing struct {
	Reason string `json:"reason"`
}

// EncodeEvent renders an engine event as {"type": ..., "data": ...}.
func EncodeEvent(ev live.Event) ([]byte, error) {
	if ev == nil {
		return nil, fmt.Errorf("nil event")
	}
	return json.Marshal(Envelope{Type: ev.EventType(), Data: ev})
}

func EncodeHello(hello ServerHello) ([]byte, error) {
	hello.ProtocolVersion = ProtocolVersion1
	if hello.Transcript == nil {
		hello.Transcript = []live.Turn{}
	}
	return json.Marshal(Envelope{Type: TypeHello, Data: hello})
}

func EncodeCommandResult(command string, result any) ([]byte, error) {
	return json.Marshal(Envelope{Type: TypeCommandResult, Data: CommandReply{Command: command, Result: result}})
}

func EncodeCommandError(command string, body any) ([]byte, error) {
	return json.Marshal(Envelope{Type: TypeCommandError, Data: CommandReply{Command: command, Error: body}})
}

func EncodeClosing(reason string) ([]byte, error) {
	return json.Marshal(Envelope{Type: TypeClosing, Data: Closing{Reason: reason}})
}

// CommandType names a decoded command for replies and logs.
func CommandType(cmd any) string {
	switch cmd.(type) {
	case Connect:
		return TypeConnect
	case Disconnect:
		return TypeDisconnect
	case UpdateField:
		return TypeUpdateField
	case ConfirmField:
		return TypeConfirmField
	case RequestStep:
		return TypeRequestStep
	case ResetForm:
		return TypeResetForm
	case SendText:
		return TypeSendText
	case AudioFrame:
		return TypeAudioFrame
	default:
		return ""
	}
}
