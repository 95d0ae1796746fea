package progcache

import (
	"fmt"
	"strings"
)

// StageKind identifies a compilation stage.
type StageKind uint8

const (
	// StageVertex is the vertex stage.
	StageVertex StageKind = iota

	// StageFragment is the fragment stage.
	StageFragment
)

// DefaultStages is the required stage set used unless WithRequiredStages
// says otherwise.
var DefaultStages = []StageKind{StageVertex, StageFragment}

// String returns the stage name used in logs and fingerprint file names.
func (k StageKind) String() string {
	switch k {
	case StageVertex:
		return "vertex"
	case StageFragment:
		return "fragment"
	default:
		return fmt.Sprintf("stage(%d)", uint8(k))
	}
}

// Valid reports whether k is a known stage kind.
func (k StageKind) Valid() bool {
	return k <= StageFragment
}

// ParseStageKind parses a stage name as produced by String.
// "vert" and "frag" are accepted as short forms.
func ParseStageKind(s string) (StageKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "vertex", "vert":
		return StageVertex, nil
	case "fragment", "frag":
		return StageFragment, nil
	}
	return 0, fmt.Errorf("progcache: unknown stage kind %q", s)
}

// StageSource locates one stage's source text.
// If Path is set the file is read on every build; otherwise Source is used
// as the inline text.
type StageSource struct {
	Kind   StageKind
	Path   string
	Source string
}

func (s StageSource) origin() string {
	if s.Path != "" {
		return s.Path
	}
	return "<inline>"
}
