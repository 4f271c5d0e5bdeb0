package applier

import "errors"

// Error taxonomy. Specific failures wrap one of these with fmt.Errorf so
// callers can distinguish categories via errors.Is while still seeing a
// descriptive message.
var (
	// ErrVersionConflict means another writer has already moved the
	// tablet's persisted version past the expected base; the caller must
	// re-read a fresh snapshot and retry.
	ErrVersionConflict = errors.New("applier: version conflict")
	// ErrCorruption means malformed replication framing: wrong txn state
	// or a mismatched snapshot version.
	ErrCorruption = errors.New("applier: corruption")
	// ErrInternal means a structural invariant was violated: a compaction
	// input rowset was not found or not adjacent, a cumulative-point bound
	// was exceeded, or a metadata-alteration log broke the one-op-per-bump
	// rule. This indicates a bug or on-disk corruption.
	ErrInternal = errors.New("applier: internal error")
)
