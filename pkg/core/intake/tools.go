package intake

import (
	"fmt"
	"strings"

	"github.com/vango-go/vai-kiosk/pkg/core"
	"github.com/vango-go/vai-kiosk/pkg/core/realtime"
)

// Tools declares the form tools for layout.
func Tools(layout Layout) []realtime.ToolDecl {
	fields := layout.FieldIDs()
	steps := layout.StepIDs()
	return []realtime.ToolDecl{
		{
			Name:        ToolUpdateField,
			Description: "Record the value you understood for a form field. Call again whenever the visitor corrects a value.",
			Params: []realtime.Param{
				{Name: "field_id", Type: realtime.ParamString, Enum: fields, Required: true, Description: "Field to update"},
				{Name: "value", Type: realtime.ParamString, Required: true, Description: "Value as the visitor stated it"},
				{Name: "source", Type: realtime.ParamString, Enum: []string{string(SourceSpeech), string(SourceImage)}, Description: "Where the value came from. Defaults to speech."},
			},
		},
		{
			Name:        ToolConfirmField,
			Description: "Mark a field as confirmed after the visitor explicitly agreed the value is correct.",
			Params: []realtime.Param{
				{Name: "field_id", Type: realtime.ParamString, Enum: fields, Required: true, Description: "Field the visitor confirmed"},
			},
		},
		{
			Name:        ToolRequestStepTransition,
			Description: "Move the interview to another step. Refused until every field of the current step is confirmed.",
			Params: []realtime.Param{
				{Name: "target_step", Type: realtime.ParamString, Enum: steps, Required: true, Description: "Step to move to"},
			},
		},
	}
}

// Instructions builds the system instructions for layout.
func Instructions(layout Layout, languageHint string) string {
	var b strings.Builder
	b.WriteString("You are the voice of a self-service intake kiosk. Interview the visitor one field at a time, ")
	b.WriteString("repeat each answer back and wait for an explicit yes before confirming it.\n")
	if lang := strings.TrimSpace(languageHint); lang != "" {
		fmt.Fprintf(&b, "Speak in the language with code %q unless the visitor switches language.\n", lang)
	}
	b.WriteString("\nSteps, in order:\n")
	for i, s := range layout {
		fmt.Fprintf(&b, "%d. %s (%s)", i+1, s.ID, s.Title)
		switch s.Kind {
		case StepPhoto:
			b.WriteString(": the visitor shows their ID to the camera; record any values you can read with source image.")
		case StepReceipt:
			b.WriteString(": final step, only reachable once every field is confirmed.")
		}
		b.WriteString("\n")
		for _, f := range s.Fields {
			fmt.Fprintf(&b, "   - %s: %s", f.ID, f.Label)
			if f.Description != "" {
				fmt.Fprintf(&b, " (%s)", f.Description)
			}
			b.WriteString("\n")
		}
	}
	fmt.Fprintf(&b, "\nCall %s for every value you hear, %s only after the visitor agrees, and %s to change step. ",
		ToolUpdateField, ToolConfirmField, ToolRequestStepTransition)
	b.WriteString("Messages that start with [SYSTEM] come from the kiosk, not the visitor; follow them.")
	return b.String()
}

// CorrectiveInstruction tells the model why a transition to target was
// refused and what to do before retrying.
func CorrectiveInstruction(target string, blocked []BlockedField) string {
	if len(blocked) == 0 {
		return ""
	}
	names := make([]string, len(blocked))
	for i, f := range blocked {
		names[i] = fmt.Sprintf("%s (%s)", f.ID, f.Label)
	}
	return fmt.Sprintf(
		"[SYSTEM] Cannot move to %q yet. These fields are not confirmed: %s. "+
			"Ask the visitor to confirm each one, call %s for each, then request the step again.",
		target, strings.Join(names, ", "), ToolConfirmField)
}

// ConfirmationNotice tells the model a field was confirmed on screen.
func ConfirmationNotice(field Field) string {
	return fmt.Sprintf("[SYSTEM] The visitor confirmed %s (%s) on screen with value %q.", field.ID, field.Label, field.Value)
}

// Err returns a gating violation describing a refusal, or nil.
func (o Outcome) Err() error {
	if !o.Refused() {
		return nil
	}
	target := ""
	if rs, ok := o.Operation.(RequestStep); ok {
		target = rs.Target
	}
	return core.NewGatingViolation(ToolRequestStepTransition,
		fmt.Sprintf("transition to %q blocked by %d unconfirmed fields", target, len(o.Blocked)))
}
