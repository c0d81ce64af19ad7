// Package intake is the gated interview form the voice model fills in
// through tool calls.
package intake

import (
	"fmt"
)

// StepKind distinguishes interview sections from the ungated steps.
type StepKind int

const (
	// StepGroup is a gated section backed by a field group.
	StepGroup StepKind = iota
	// StepPhoto is the ungated ID photo capture step.
	StepPhoto
	// StepReceipt is the terminal step.
	StepReceipt
)

func (k StepKind) String() string {
	switch k {
	case StepGroup:
		return "group"
	case StepPhoto:
		return "photo"
	case StepReceipt:
		return "receipt"
	default:
		return "unknown"
	}
}

// FieldDef declares one field of a group step.
type FieldDef struct {
	ID          string
	Label       string
	Description string
}

// StepDef declares one step of the interview.
type StepDef struct {
	ID     string
	Kind   StepKind
	Title  string
	Fields []FieldDef
}

// Layout is the ordered list of steps.
type Layout []StepDef

// DefaultLayout is the kiosk interview: ID photo, personal details, incident
// details, receipt.
func DefaultLayout() Layout {
	return Layout{
		{ID: "photo", Kind: StepPhoto, Title: "ID photo"},
		{
			ID:    "personal",
			Kind:  StepGroup,
			Title: "Personal details",
			Fields: []FieldDef{
				{ID: "full_name", Label: "Full name", Description: "Given names and surnames as on the ID"},
				{ID: "document_number", Label: "Document number", Description: "National ID or passport number"},
				{ID: "date_of_birth", Label: "Date of birth", Description: "YYYY-MM-DD"},
				{ID: "phone", Label: "Phone number"},
				{ID: "address", Label: "Home address"},
			},
		},
		{
			ID:    "incident",
			Kind:  StepGroup,
			Title: "Incident details",
			Fields: []FieldDef{
				{ID: "incident_date", Label: "Date of the incident", Description: "YYYY-MM-DD"},
				{ID: "incident_location", Label: "Where it happened"},
				{ID: "incident_description", Label: "What happened", Description: "Short summary in the visitor's words"},
			},
		},
		{ID: "receipt", Kind: StepReceipt, Title: "Receipt"},
	}
}

// Validate checks ids are unique, group steps have fields, the ungated
// steps have none, and exactly one receipt step closes the layout.
func (l Layout) Validate() error {
	if len(l) == 0 {
		return fmt.Errorf("layout has no steps")
	}
	steps := make(map[string]bool, len(l))
	fields := make(map[string]bool)
	groups := 0
	for i, s := range l {
		if s.ID == "" {
			return fmt.Errorf("step %d has no id", i)
		}
		if steps[s.ID] {
			return fmt.Errorf("duplicate step id %q", s.ID)
		}
		steps[s.ID] = true

		switch s.Kind {
		case StepGroup:
			groups++
			if len(s.Fields) == 0 {
				return fmt.Errorf("group step %q has no fields", s.ID)
			}
		case StepPhoto:
			if len(s.Fields) > 0 {
				return fmt.Errorf("photo step %q cannot declare fields", s.ID)
			}
		case StepReceipt:
			if i != len(l)-1 {
				return fmt.Errorf("receipt step %q must be last", s.ID)
			}
			if len(s.Fields) > 0 {
				return fmt.Errorf("receipt step %q cannot declare fields", s.ID)
			}
		default:
			return fmt.Errorf("step %q has unknown kind %d", s.ID, s.Kind)
		}

		for _, f := range s.Fields {
			if f.ID == "" {
				return fmt.Errorf("step %q has a field with no id", s.ID)
			}
			if fields[f.ID] {
				return fmt.Errorf("duplicate field id %q", f.ID)
			}
			fields[f.ID] = true
		}
	}
	if groups == 0 {
		return fmt.Errorf("layout has no group steps")
	}
	if l[len(l)-1].Kind != StepReceipt {
		return fmt.Errorf("layout must end with a receipt step")
	}
	return nil
}

// Step returns the step with id.
func (l Layout) Step(id string) (StepDef, bool) {
	for _, s := range l {
		if s.ID == id {
			return s, true
		}
	}
	return StepDef{}, false
}

// StepIDs returns the step ids in order.
func (l Layout) StepIDs() []string {
	ids := make([]string, len(l))
	for i, s := range l {
		ids[i] = s.ID
	}
	return ids
}

// FieldIDs returns every field id in layout order.
func (l Layout) FieldIDs() []string {
	var ids []string
	for _, s := range l {
		for _, f := range s.Fields {
			ids = append(ids, f.ID)
		}
	}
	return ids
}
