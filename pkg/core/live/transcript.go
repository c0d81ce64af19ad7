package live

import (
	"regexp"
	"strings"
	"time"

	"github.com/vango-go/vai-kiosk/pkg/core/realtime"
)

// Role attributes a turn to a speaker.
type Role = realtime.Role

const (
	RoleUser  = realtime.RoleUser
	RoleModel = realtime.RoleModel
)

// Turn is one contiguous span of text from a single role.
type Turn struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
	Closed    bool      `json:"closed"`
}

// TranscriptDelta is one incremental transcript fragment. Final deltas carry
// no text.
type TranscriptDelta struct {
	Role  Role
	Text  string
	Final bool
}

// controlTokens matches bracketed provider artifacts such as <noise>,
// <ctrl46> or [INAUDIBLE].
var controlTokens = regexp.MustCompile(`<[A-Za-z_][A-Za-z0-9_]{0,31}>|\[[A-Z][A-Z_ ]{1,31}\]`)

// SanitizeTranscript strips bracketed control tokens and nothing else.
func SanitizeTranscript(text string) string {
	if !strings.ContainsAny(text, "<[") {
		return text
	}
	return controlTokens.ReplaceAllString(text, "")
}

// TranscriptAssembler merges incremental deltas into role-tagged turns. It is
// not safe for concurrent use; the engine loop owns it.
type TranscriptAssembler struct {
	turns []Turn
	now   func() time.Time
}

// NewTranscriptAssembler returns an empty assembler.
func NewTranscriptAssembler() *TranscriptAssembler {
	return &TranscriptAssembler{now: time.Now}
}

// Apply folds one delta into the transcript and reports whether the visible
// turns changed.
func (a *TranscriptAssembler) Apply(d TranscriptDelta) bool {
	last := a.last()

	if d.Final {
		if last == nil || last.Role != d.Role || last.Closed {
			return false
		}
		last.Closed = true
		return true
	}

	text := SanitizeTranscript(d.Text)
	if last == nil || last.Role != d.Role || last.Closed {
		if strings.TrimSpace(text) == "" {
			return false
		}
		if last != nil {
			last.Closed = true
		}
		a.turns = append(a.turns, Turn{
			Role:      d.Role,
			Text:      strings.TrimLeft(text, " \t\r\n"),
			CreatedAt: a.now(),
		})
		return true
	}

	if text == "" {
		return false
	}
	last.Text += text
	return true
}

// Turns returns a copy of the assembled turns.
func (a *TranscriptAssembler) Turns() []Turn {
	out := make([]Turn, len(a.turns))
	copy(out, a.turns)
	return out
}

// Reset clears all turns.
func (a *TranscriptAssembler) Reset() {
	a.turns = nil
}

func (a *TranscriptAssembler) last() *Turn {
	if len(a.turns) == 0 {
		return nil
	}
	return &a.turns[len(a.turns)-1]
}
