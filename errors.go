package progcache

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	// ErrBuildFailed matches every terminal build failure via errors.Is.
	ErrBuildFailed = errors.New("progcache: build failed")

	// ErrReleased is returned when a released Program is used.
	ErrReleased = errors.New("progcache: program released")

	// ErrClosed is returned by Build after Close.
	ErrClosed = errors.New("progcache: cache closed")

	// ErrInvalidRequest is returned for requests whose stage set does not
	// match the required stages.
	ErrInvalidRequest = errors.New("progcache: invalid request")
)

// ErrorKind classifies build conditions.
type ErrorKind uint8

const (
	// SourceUnreadable means a stage source could not be read.
	SourceUnreadable ErrorKind = iota + 1

	// CompileDiagnostic means a stage failed to compile.
	CompileDiagnostic

	// LinkDiagnostic means linking failed, including the retry.
	LinkDiagnostic

	// CacheUnsupported means the platform offers no binary formats.
	CacheUnsupported

	// CacheCorrupt means the stored entry bytes are malformed.
	CacheCorrupt

	// CacheInvalid means the platform rejected the stored binary.
	CacheInvalid
)

// String returns the kind name.
func (k ErrorKind) String() string {
	switch k {
	case SourceUnreadable:
		return "SourceUnreadable"
	case CompileDiagnostic:
		return "CompileDiagnostic"
	case LinkDiagnostic:
		return "LinkDiagnostic"
	case CacheUnsupported:
		return "CacheUnsupported"
	case CacheCorrupt:
		return "CacheCorrupt"
	case CacheInvalid:
		return "CacheInvalid"
	default:
		return fmt.Sprintf("ErrorKind(%d)", uint8(k))
	}
}

// BuildError is the error returned by a failed build. Only
// SourceUnreadable, CompileDiagnostic and LinkDiagnostic are ever
// returned; cache conditions are recovered by rebuilding.
type BuildError struct {
	Kind ErrorKind
	Key  string
	// Stage is the failing stage. It is meaningful for SourceUnreadable
	// and CompileDiagnostic only.
	Stage StageKind
	Err   error
}

func (e *BuildError) Error() string {
	switch e.Kind {
	case SourceUnreadable, CompileDiagnostic:
		return fmt.Sprintf("progcache: %s: %s stage: %s: %v", e.Key, e.Stage, e.Kind, e.Err)
	default:
		return fmt.Sprintf("progcache: %s: %s: %v", e.Key, e.Kind, e.Err)
	}
}

func (e *BuildError) Unwrap() error { return e.Err }

// Is reports true for ErrBuildFailed.
func (e *BuildError) Is(target error) bool { return target == ErrBuildFailed }
