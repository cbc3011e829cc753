// Package idempotency names the result of applying a side effect at most once
// and provides the Redis-backed seen-set used by best-effort consumers.
package idempotency

// Outcome says whether a call did the work or found it already done.
type Outcome int

const (
	// Applied means the side effect happened during this call.
	Applied Outcome = iota + 1
	// AlreadyApplied means an earlier delivery already did it; nothing changed.
	AlreadyApplied
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case AlreadyApplied:
		return "already_applied"
	default:
		return "unknown"
	}
}

// IsNew reports whether this call performed the work.
func (o Outcome) IsNew() bool { return o == Applied }

// FromInserted maps a "rows inserted" style result onto an Outcome.
func FromInserted(inserted bool) Outcome {
	if inserted {
		return Applied
	}
	return AlreadyApplied
}
