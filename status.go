package progcache

import (
	"errors"

	"github.com/gogpu/progcache/binstore"
	"github.com/gogpu/progcache/fingerprint"
)

// StageState is the fingerprint state of a stage relative to its record.
type StageState uint8

const (
	// StageUnchanged means the source matches the committed fingerprint.
	StageUnchanged StageState = iota

	// StageChanged means the source differs from the committed fingerprint.
	StageChanged

	// StageNoRecord means there is no valid committed fingerprint.
	StageNoRecord

	// StageUnreadable means the source could not be read.
	StageUnreadable
)

func (s StageState) String() string {
	switch s {
	case StageUnchanged:
		return "unchanged"
	case StageChanged:
		return "changed"
	case StageNoRecord:
		return "no record"
	case StageUnreadable:
		return "unreadable"
	default:
		return "unknown"
	}
}

// StageStatus describes one stage of a Status report.
type StageStatus struct {
	Kind        StageKind
	Source      string
	Fingerprint fingerprint.Sum
	State       StageState
	Err         error
}

// Status is a read-only report of what Build would find for a request.
type Status struct {
	Key    string
	Stages []StageStatus

	// Binary describes the stored entry. BinaryErr is set when the entry
	// exists but its header is malformed.
	Binary    binstore.Info
	BinaryErr error

	// Supported reports whether the backend offers any binary format.
	Supported bool
}

// WouldTrustCache reports whether every stage is unchanged and a binary
// is stored, i.e. whether Build would try the stored binary first.
func (s *Status) WouldTrustCache() bool {
	if !s.Supported || !s.Binary.Exists || s.BinaryErr != nil {
		return false
	}
	for _, st := range s.Stages {
		if st.State != StageUnchanged {
			return false
		}
	}
	return true
}

// Status inspects the fingerprints and stored binary for req without
// compiling or writing anything.
func (c *Cache) Status(req Request) (*Status, error) {
	key, err := ResolveKey(req)
	if err != nil {
		return nil, err
	}
	srcs, err := c.orderStages(req.Stages)
	if err != nil {
		return nil, err
	}

	st := &Status{Key: key, Supported: c.bins.Supported()}
	for _, s := range srcs {
		ss := StageStatus{Kind: s.Kind, Source: s.origin()}
		text, err := readStage(s)
		if err != nil {
			ss.State = StageUnreadable
			ss.Err = err
			st.Stages = append(st.Stages, ss)
			continue
		}
		ss.Fingerprint = fingerprint.Of(text)
		prev, err := c.fps.Load(key, s.Kind.String())
		switch {
		case errors.Is(err, fingerprint.ErrNoRecord):
			ss.State = StageNoRecord
		case err != nil:
			ss.State = StageNoRecord
			ss.Err = err
		case prev != ss.Fingerprint:
			ss.State = StageChanged
		default:
			ss.State = StageUnchanged
		}
		st.Stages = append(st.Stages, ss)
	}
	st.Binary, st.BinaryErr = c.bins.Stat(key)
	return st, nil
}
