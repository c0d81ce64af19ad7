package intake

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/vango-go/vai-kiosk/pkg/core"
)

// FieldStatus is the confirmation state of a field.
type FieldStatus string

const (
	StatusUnanswered         FieldStatus = "unanswered"
	StatusInferredFromSpeech FieldStatus = "inferred_from_speech"
	StatusInferredFromImage  FieldStatus = "inferred_from_image"
	StatusConfirmed          FieldStatus = "confirmed"
)

// Source says where an inferred value came from.
type Source string

const (
	SourceSpeech Source = "speech"
	SourceImage  Source = "image"
)

func (s Source) status() (FieldStatus, bool) {
	switch s {
	case SourceSpeech:
		return StatusInferredFromSpeech, true
	case SourceImage:
		return StatusInferredFromImage, true
	default:
		return "", false
	}
}

// Field is one form answer.
type Field struct {
	ID     string      `json:"id"`
	Label  string      `json:"label"`
	Value  string      `json:"value"`
	Status FieldStatus `json:"status"`
}

// Group is the field set of one group step.
type Group struct {
	Step   string  `json:"step"`
	Title  string  `json:"title"`
	Fields []Field `json:"fields"`
}

func (g *Group) confirmed() bool {
	for _, f := range g.Fields {
		if f.Status != StatusConfirmed {
			return false
		}
	}
	return true
}

func (g *Group) firstUnconfirmed() (string, bool) {
	for _, f := range g.Fields {
		if f.Status != StatusConfirmed {
			return f.ID, true
		}
	}
	return "", false
}

// BlockedField describes a field that prevents a step transition.
type BlockedField struct {
	ID     string      `json:"id"`
	Label  string      `json:"label"`
	Step   string      `json:"step"`
	Status FieldStatus `json:"status"`
}

// Option configures a Form.
type Option func(*Form)

// WithReceiptCodes overrides receipt code generation.
func WithReceiptCodes(next func() string) Option {
	return func(f *Form) {
		if next != nil {
			f.newCode = next
		}
	}
}

// Form is the gated intake state machine. It is safe for concurrent use but
// the engine mutates it only from its event loop.
type Form struct {
	mu      sync.Mutex
	layout  Layout
	newCode func() string

	groups        []Group
	currentStep   string
	activeFieldID string
	receiptCode   string
	usedCodes     map[string]struct{}
}

// NewForm validates layout and returns a form positioned at its first step.
func NewForm(layout Layout, opts ...Option) (*Form, error) {
	if err := layout.Validate(); err != nil {
		return nil, fmt.Errorf("invalid layout: %w", err)
	}
	f := &Form{
		layout:    append(Layout(nil), layout...),
		newCode:   defaultReceiptCode,
		usedCodes: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.reset()
	return f, nil
}

func defaultReceiptCode() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "INT-" + strings.ToUpper(id[:10])
}

// Layout returns the form layout.
func (f *Form) Layout() Layout {
	return f.layout
}

// Reset clears every answer and returns to the first step.
func (f *Form) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reset()
}

func (f *Form) reset() {
	f.groups = f.groups[:0]
	for _, s := range f.layout {
		if s.Kind != StepGroup {
			continue
		}
		g := Group{Step: s.ID, Title: s.Title, Fields: make([]Field, len(s.Fields))}
		for i, def := range s.Fields {
			g.Fields[i] = Field{ID: def.ID, Label: def.Label, Status: StatusUnanswered}
		}
		f.groups = append(f.groups, g)
	}
	f.currentStep = f.layout[0].ID
	f.activeFieldID = ""
	if g := f.groupFor(f.currentStep); g != nil {
		f.activeFieldID = g.Fields[0].ID
	}
	f.receiptCode = ""
}

// UpdateField records an inferred value. A confirmed field is re-opened so
// the change is surfaced for confirmation again.
func (f *Form) UpdateField(id, value string, source Source) error {
	status, ok := source.status()
	if !ok {
		return core.NewProtocolViolation("update_field", fmt.Sprintf("unknown source %q", source))
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	gi, fi := f.locate(id)
	if gi < 0 {
		return core.NewProtocolViolation("update_field", fmt.Sprintf("unknown field %q", id))
	}
	field := &f.groups[gi].Fields[fi]
	field.Value = value
	field.Status = status

	// The receipt only stands for a fully confirmed form.
	if f.atReceipt() {
		f.receiptCode = ""
		f.currentStep = f.groups[gi].Step
		f.activeFieldID = id
	}
	return nil
}

// ConfirmField marks a field confirmed and moves the active pointer to the
// next unconfirmed field. The step advances only when this call completed the
// current group.
func (f *Form) ConfirmField(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	gi, fi := f.locate(id)
	if gi < 0 {
		return core.NewProtocolViolation("confirm_field", fmt.Sprintf("unknown field %q", id))
	}

	current := f.currentGroupIndex()
	wasComplete := current >= 0 && f.groups[current].confirmed()

	f.groups[gi].Fields[fi].Status = StatusConfirmed

	start := current
	if start < 0 {
		start = f.groupsAfterStep(f.currentStep)
	}
	nextGroup, nextField := -1, ""
	for i := start; i < len(f.groups); i++ {
		if fid, ok := f.groups[i].firstUnconfirmed(); ok {
			nextGroup, nextField = i, fid
			break
		}
	}
	f.activeFieldID = nextField

	completedNow := current >= 0 && !wasComplete && f.groups[current].confirmed()
	if completedNow && nextGroup >= 0 && nextGroup != current {
		f.currentStep = f.groups[nextGroup].Step
	}
	return nil
}

// RequestStepTransition moves to target unless gating refuses it. A refusal
// is a normal outcome: the blocked fields are returned and the form is
// repositioned at the first of them. Errors are reserved for unknown targets.
func (f *Form) RequestStepTransition(target string) ([]BlockedField, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	step, ok := f.layout.Step(target)
	if !ok {
		return nil, core.NewProtocolViolation("request_step_transition", fmt.Sprintf("unknown step %q", target))
	}
	if target == f.currentStep {
		return nil, nil
	}

	if step.Kind == StepReceipt {
		var blocked []BlockedField
		first := -1
		for i := range f.groups {
			for _, fld := range f.groups[i].Fields {
				if fld.Status == StatusConfirmed {
					continue
				}
				if first < 0 {
					first = i
				}
				blocked = append(blocked, f.blocked(i, fld))
			}
		}
		if len(blocked) > 0 {
			f.currentStep = f.groups[first].Step
			f.activeFieldID, _ = f.groups[first].firstUnconfirmed()
			return blocked, nil
		}
		f.currentStep = target
		f.activeFieldID = ""
		f.receiptCode = f.mintCode()
		return nil, nil
	}

	if cur := f.currentGroupIndex(); cur >= 0 && !f.groups[cur].confirmed() {
		var blocked []BlockedField
		for _, fld := range f.groups[cur].Fields {
			if fld.Status != StatusConfirmed {
				blocked = append(blocked, f.blocked(cur, fld))
			}
		}
		f.activeFieldID = blocked[0].ID
		return blocked, nil
	}

	f.currentStep = target
	f.receiptCode = ""
	f.activeFieldID = ""
	if g := f.groupFor(target); g != nil {
		f.activeFieldID = g.Fields[0].ID
	}
	return nil, nil
}

// Snapshot is a point-in-time copy of the form.
type Snapshot struct {
	CurrentStep   string   `json:"current_step"`
	ActiveFieldID string   `json:"active_field_id,omitempty"`
	ReceiptCode   string   `json:"receipt_code,omitempty"`
	Steps         []string `json:"steps"`
	Groups        []Group  `json:"groups"`
}

// Snapshot returns a deep copy of the form state.
func (f *Form) Snapshot() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()

	groups := make([]Group, len(f.groups))
	for i, g := range f.groups {
		groups[i] = Group{Step: g.Step, Title: g.Title, Fields: append([]Field(nil), g.Fields...)}
	}
	return Snapshot{
		CurrentStep:   f.currentStep,
		ActiveFieldID: f.activeFieldID,
		ReceiptCode:   f.receiptCode,
		Steps:         f.layout.StepIDs(),
		Groups:        groups,
	}
}

// Field returns a copy of the field with id.
func (f *Form) Field(id string) (Field, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	gi, fi := f.locate(id)
	if gi < 0 {
		return Field{}, false
	}
	return f.groups[gi].Fields[fi], true
}

// CurrentStep returns the current step id.
func (f *Form) CurrentStep() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.currentStep
}

// ActiveFieldID returns the field the interview is focused on, or "".
func (f *Form) ActiveFieldID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activeFieldID
}

// ReceiptCode returns the receipt code, or "" before the receipt step.
func (f *Form) ReceiptCode() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.receiptCode
}

func (f *Form) locate(id string) (int, int) {
	for gi := range f.groups {
		for fi := range f.groups[gi].Fields {
			if f.groups[gi].Fields[fi].ID == id {
				return gi, fi
			}
		}
	}
	return -1, -1
}

func (f *Form) groupFor(step string) *Group {
	for i := range f.groups {
		if f.groups[i].Step == step {
			return &f.groups[i]
		}
	}
	return nil
}

func (f *Form) currentGroupIndex() int {
	for i := range f.groups {
		if f.groups[i].Step == f.currentStep {
			return i
		}
	}
	return -1
}

// groupsAfterStep returns the index of the first group positioned after step
// in the layout.
func (f *Form) groupsAfterStep(step string) int {
	seen := false
	idx := 0
	for _, s := range f.layout {
		if s.ID == step {
			seen = true
		}
		if s.Kind != StepGroup {
			continue
		}
		if seen {
			return idx
		}
		idx++
	}
	return len(f.groups)
}

func (f *Form) atReceipt() bool {
	s, ok := f.layout.Step(f.currentStep)
	return ok && s.Kind == StepReceipt
}

func (f *Form) blocked(gi int, fld Field) BlockedField {
	return BlockedField{ID: fld.ID, Label: fld.Label, Step: f.groups[gi].Step, Status: fld.Status}
}

func (f *Form) mintCode() string {
	code := f.newCode()
	for n := 2; ; n++ {
		if _, dup := f.usedCodes[code]; !dup {
			break
		}
		code = fmt.Sprintf("%s-%d", strings.TrimSuffix(code, fmt.Sprintf("-%d", n-1)), n)
	}
	f.usedCodes[code] = struct{}{}
	return code
}
