package intake

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/vango-go/vai-kiosk/pkg/core"
)

// Tool names the model calls to drive the form.
const (
	ToolUpdateField           = "update_field"
	ToolConfirmField          = "confirm_field"
	ToolRequestStepTransition = "request_step_transition"
)

// Operation is a typed form mutation decoded from a tool call.
type Operation interface {
	ToolName() string
	operation()
}

// UpdateField sets an inferred value.
type UpdateField struct {
	FieldID string `json:"field_id"`
	Value   string `json:"value"`
	Source  Source `json:"source"`
}

// ConfirmField marks a field confirmed.
type ConfirmField struct {
	FieldID string `json:"field_id"`
}

// RequestStep asks to move to another step.
type RequestStep struct {
	Target string `json:"target_step"`
}

func (UpdateField) ToolName() string  { return ToolUpdateField }
func (ConfirmField) ToolName() string { return ToolConfirmField }
func (RequestStep) ToolName() string  { return ToolRequestStepTransition }

func (UpdateField) operation()  {}
func (ConfirmField) operation() {}
func (RequestStep) operation()  {}

// ParseOperation coerces untyped tool arguments into an Operation. Numbers and
// booleans are accepted where strings are expected. Unknown tools and missing
// arguments are protocol violations.
func ParseOperation(name string, args map[string]any) (Operation, error) {
	switch name {
	case ToolUpdateField:
		id, err := requireString(name, args, "field_id")
		if err != nil {
			return nil, err
		}
		value, ok, err := optionalString(name, args, "value")
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, core.NewProtocolViolation(name, `missing argument "value"`)
		}
		src, _, err := optionalString(name, args, "source")
		if err != nil {
			return nil, err
		}
		source := Source(strings.ToLower(strings.TrimSpace(src)))
		if source == "" {
			source = SourceSpeech
		}
		if _, ok := source.status(); !ok {
			return nil, core.NewProtocolViolation(name, fmt.Sprintf("invalid source %q", src))
		}
		return UpdateField{FieldID: id, Value: value, Source: source}, nil

	case ToolConfirmField:
		id, err := requireString(name, args, "field_id")
		if err != nil {
			return nil, err
		}
		return ConfirmField{FieldID: id}, nil

	case ToolRequestStepTransition:
		target, err := requireString(name, args, "target_step")
		if err != nil {
			return nil, err
		}
		return RequestStep{Target: target}, nil

	default:
		return nil, core.NewProtocolViolation(name, fmt.Sprintf("unknown tool %q", name))
	}
}

func requireString(tool string, args map[string]any, key string) (string, error) {
	v, ok, err := optionalString(tool, args, key)
	if err != nil {
		return "", err
	}
	v = strings.TrimSpace(v)
	if !ok || v == "" {
		return "", core.NewProtocolViolation(tool, fmt.Sprintf("missing argument %q", key))
	}
	return v, nil
}

func optionalString(tool string, args map[string]any, key string) (string, bool, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		return "", false, nil
	}
	switch v := raw.(type) {
	case string:
		return v, true, nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true, nil
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32), true, nil
	case int:
		return strconv.Itoa(v), true, nil
	case int64:
		return strconv.FormatInt(v, 10), true, nil
	case json.Number:
		return v.String(), true, nil
	case bool:
		return strconv.FormatBool(v), true, nil
	default:
		return "", false, core.NewProtocolViolation(tool, fmt.Sprintf("argument %q has unsupported type %T", key, raw))
	}
}

// Outcome is the result of applying an Operation.
type Outcome struct {
	Operation   Operation
	Blocked     []BlockedField
	ReceiptCode string
}

// Refused reports whether a step transition was blocked by gating.
func (o Outcome) Refused() bool { return len(o.Blocked) > 0 }

// Apply runs op against the form.
func (f *Form) Apply(op Operation) (Outcome, error) {
	out := Outcome{Operation: op}
	var err error
	switch op := op.(type) {
	case UpdateField:
		err = f.UpdateField(op.FieldID, op.Value, op.Source)
	case ConfirmField:
		err = f.ConfirmField(op.FieldID)
	case RequestStep:
		out.Blocked, err = f.RequestStepTransition(op.Target)
	default:
		err = core.NewProtocolViolation("apply", fmt.Sprintf("unsupported operation %T", op))
	}
	out.ReceiptCode = f.ReceiptCode()
	return out, err
}
