package contextwin

import "time"

// EntryKind tags the variant of a context entry.
type EntryKind string

const (
	KindUserMessage       EntryKind = "user_message"
	KindModelUtterance    EntryKind = "model_utterance"
	KindActionProposal    EntryKind = "action_proposal"
	KindActionObservation EntryKind = "action_observation"
	KindCompactionSummary EntryKind = "compaction_summary"
	KindPinnedConstraint  EntryKind = "pinned_constraint"
)

// Entry is one element of a session's ordered context. Seq is a monotonic
// sequence number within the session; Weight is the token-equivalent cost
// used for budget accounting.
type Entry struct {
	Seq        uint64    `json:"seq"`
	Kind       EntryKind `json:"kind"`
	Text       string    `json:"text"`
	ProposalID string    `json:"proposal_id,omitempty"`
	Capability string    `json:"capability,omitempty"`
	Outcome    string    `json:"outcome,omitempty"`
	Weight     int       `json:"weight"`
	Revoked    bool      `json:"revoked,omitempty"` // legacy persisted states only
	CreatedAt  time.Time `json:"created_at"`
}

// Pinned reports whether the entry is a live pinned constraint, exempt
// from compaction until explicitly revoked.
func (e Entry) Pinned() bool {
	return e.Kind == KindPinnedConstraint && !e.Revoked
}
