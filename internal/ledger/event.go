package ledger

import "time"

// Terminal outcomes. A failed outcome always carries a machine-readable
// reason code next to the human-readable detail.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

// Event is the single artifact the engine hands to the ledger per record
// per attempt sequence. The engine itself retains no history once an event
// is appended.
type Event struct {
	ID        int64         `json:"id,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	Project   string        `json:"project"`
	URL       string        `json:"url"`
	Outcome   string        `json:"outcome"`
	Reason    string        `json:"reason,omitempty"` // reason code on failure
	Detail    string        `json:"detail,omitempty"` // human-readable context
	Path      string        `json:"path,omitempty"`
	Duration  time.Duration `json:"duration"`
	Bytes     int64         `json:"bytes"`
	DryRun    bool          `json:"dry_run,omitempty"`
}

// Repository is the append-only ledger collaborator.
type Repository interface {
	Append(event Event) error
	Recent(limit int) ([]Event, error)
}
