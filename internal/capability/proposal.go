package capability

import "time"

// ActionProposal is one action the model wants to take. The reversibility
// classification is copied from the registry entry when the proposal is
// resolved, never taken from model output.
type ActionProposal struct {
	ID            string
	SessionKey    string
	Capability    string
	Arguments     map[string]interface{}
	Reversibility Reversibility
	DependsOn     string // proposal ID this one is sequenced after, "" if independent
	CreatedSeq    uint64 // context sequence number at creation time
	CreatedAt     time.Time
}

// Outcome tags an observation with how the dispatch ended.
type Outcome string

const (
	OutcomeOK                Outcome = "ok"
	OutcomeUnknownCapability Outcome = "unknown_capability"
	OutcomeInvalidArguments  Outcome = "invalid_arguments"
	OutcomeProviderError     Outcome = "provider_error"
	OutcomeUserRejected      Outcome = "user_rejected"
	OutcomeApprovalTimedOut  Outcome = "approval_timed_out"
)

// Observation is the normalized result of one proposal, fed back into the
// context so the model can correlate it by proposal ID regardless of the
// order observations were appended.
type Observation struct {
	ProposalID string
	Capability string
	Outcome    Outcome
	Content    string
	DurationMs int64
}

// IsError reports whether the observation carries a failure outcome.
func (o Observation) IsError() bool {
	return o.Outcome != OutcomeOK
}
