package lifetime

import "time"

// SponsorOutcome is how a single sponsor answered during a negotiation round.
type SponsorOutcome int

const (
	// OutcomeGranted means the sponsor returned a positive duration.
	OutcomeGranted SponsorOutcome = iota
	// OutcomeRefused means the sponsor returned zero.
	OutcomeRefused
	// OutcomeFailed means the sponsor returned an error or panicked.
	OutcomeFailed
	// OutcomeTimedOut means the sponsor did not answer within the sponsorship timeout.
	OutcomeTimedOut
	// OutcomeCancelled means the round was aborted while waiting on the sponsor.
	OutcomeCancelled
)

// String returns the label used in logs and metrics.
func (o SponsorOutcome) String() string {
	switch o {
	case OutcomeGranted:
		return "granted"
	case OutcomeRefused:
		return "refused"
	case OutcomeFailed:
		return "error"
	case OutcomeTimedOut:
		return "timeout"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// SponsorAttempt records one sponsor being asked for a renewal.
type SponsorAttempt struct {
	Sponsor Sponsor
	Outcome SponsorOutcome
	Grant   time.Duration
	Err     error
	Elapsed time.Duration
}

// UpdateResult describes what a call to Lease.UpdateState did.
type UpdateResult struct {
	// State is the lease state after the update.
	State LeaseState
	// Attempts holds the sponsors asked, in order. Empty when no
	// negotiation round ran.
	Attempts []SponsorAttempt
	// Granted is the winning grant, zero if no sponsor granted.
	Granted time.Duration
}

// Negotiated returns true if a negotiation round ran.
func (r UpdateResult) Negotiated() bool {
	return len(r.Attempts) > 0
}

// Expired returns true if the update left the lease Expired.
func (r UpdateResult) Expired() bool {
	return r.State == StateExpired
}
