package lifetime

import (
	"encoding/json"
	"time"
)

// ManagerStatus represents the current status of a lease manager.
type ManagerStatus struct {
	// Name is the manager name.
	Name string `json:"name"`

	// Tracked is the number of leases under supervision.
	Tracked int `json:"tracked"`

	// PollTime is the sweep cadence.
	PollTime time.Duration `json:"pollTime"`

	// Running indicates whether the background sweep is active.
	Running bool `json:"running"`

	// Closed indicates whether the manager was closed.
	Closed bool `json:"closed"`

	// Sweeps is the number of sweep ticks run so far.
	Sweeps uint64 `json:"sweeps"`

	// LastSweep is when the last sweep tick started.
	LastSweep time.Time `json:"lastSweep"`

	// Defaults holds the settings new leases are created from.
	Defaults Defaults `json:"defaults"`
}

// String returns a human-readable string representation of the status.
func (s ManagerStatus) String() string {
	switch {
	case s.Closed:
		return "CLOSED"
	case s.Running:
		return "SWEEPING"
	default:
		return "IDLE"
	}
}

type statusJSON struct {
	Name       string       `json:"name"`
	State      string       `json:"state"`
	Tracked    int          `json:"tracked"`
	PollTimeMs int64        `json:"pollTimeMs"`
	Running    bool         `json:"running"`
	Closed     bool         `json:"closed"`
	Sweeps     uint64       `json:"sweeps"`
	LastSweep  time.Time    `json:"lastSweep,omitempty"`
	Defaults   defaultsJSON `json:"defaults"`
}

type defaultsJSON struct {
	LeaseManagerPollTimeMs int64 `json:"leaseManagerPollTimeMs"`
	LeaseTimeMs            int64 `json:"leaseTimeMs"`
	RenewOnCallTimeMs      int64 `json:"renewOnCallTimeMs"`
	SponsorshipTimeoutMs   int64 `json:"sponsorshipTimeoutMs"`
}

// MarshalJSON serializes durations as milliseconds.
func (s ManagerStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(statusJSON{
		Name:       s.Name,
		State:      s.String(),
		Tracked:    s.Tracked,
		PollTimeMs: s.PollTime.Milliseconds(),
		Running:    s.Running,
		Closed:     s.Closed,
		Sweeps:     s.Sweeps,
		LastSweep:  s.LastSweep,
		Defaults:   toDefaultsJSON(s.Defaults),
	})
}

// UnmarshalJSON parses the form produced by MarshalJSON.
func (s *ManagerStatus) UnmarshalJSON(data []byte) error {
	var raw statusJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = ManagerStatus{
		Name:      raw.Name,
		Tracked:   raw.Tracked,
		PollTime:  ms(raw.PollTimeMs),
		Running:   raw.Running,
		Closed:    raw.Closed,
		Sweeps:    raw.Sweeps,
		LastSweep: raw.LastSweep,
		Defaults:  raw.Defaults.toDefaults(),
	}
	return nil
}

func toDefaultsJSON(d Defaults) defaultsJSON {
	return defaultsJSON{
		LeaseManagerPollTimeMs: d.LeaseManagerPollTime.Milliseconds(),
		LeaseTimeMs:            d.LeaseTime.Milliseconds(),
		RenewOnCallTimeMs:      d.RenewOnCallTime.Milliseconds(),
		SponsorshipTimeoutMs:   d.SponsorshipTimeout.Milliseconds(),
	}
}

func (d defaultsJSON) toDefaults() Defaults {
	return Defaults{
		LeaseManagerPollTime: ms(d.LeaseManagerPollTimeMs),
		LeaseTime:            ms(d.LeaseTimeMs),
		RenewOnCallTime:      ms(d.RenewOnCallTimeMs),
		SponsorshipTimeout:   ms(d.SponsorshipTimeoutMs),
	}
}

type leaseInfoJSON struct {
	ID                   string     `json:"id"`
	State                LeaseState `json:"state"`
	ExpireAt             time.Time  `json:"expireAt"`
	RemainingMs          int64      `json:"remainingMs"`
	InitialLeaseTimeMs   int64      `json:"initialLeaseTimeMs"`
	RenewOnCallTimeMs    int64      `json:"renewOnCallTimeMs"`
	SponsorshipTimeoutMs int64      `json:"sponsorshipTimeoutMs"`
	Sponsors             int        `json:"sponsors"`
}

// MarshalJSON serializes durations as milliseconds.
func (i LeaseInfo) MarshalJSON() ([]byte, error) {
	return json.Marshal(leaseInfoJSON{
		ID:                   i.ID,
		State:                i.State,
		ExpireAt:             i.ExpireAt,
		RemainingMs:          i.Remaining.Milliseconds(),
		InitialLeaseTimeMs:   i.InitialLeaseTime.Milliseconds(),
		RenewOnCallTimeMs:    i.RenewOnCallTime.Milliseconds(),
		SponsorshipTimeoutMs: i.SponsorshipTimeout.Milliseconds(),
		Sponsors:             i.Sponsors,
	})
}

// UnmarshalJSON parses the form produced by MarshalJSON.
func (i *LeaseInfo) UnmarshalJSON(data []byte) error {
	var raw leaseInfoJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*i = LeaseInfo{
		ID:                 raw.ID,
		State:              raw.State,
		ExpireAt:           raw.ExpireAt,
		Remaining:          ms(raw.RemainingMs),
		InitialLeaseTime:   ms(raw.InitialLeaseTimeMs),
		RenewOnCallTime:    ms(raw.RenewOnCallTimeMs),
		SponsorshipTimeout: ms(raw.SponsorshipTimeoutMs),
		Sponsors:           raw.Sponsors,
	}
	return nil
}

func ms(v int64) time.Duration {
	return time.Duration(v) * time.Millisecond
}
