package lifetime

import "errors"

// Lease and manager errors.
var (
	// ErrInvalidState indicates a lease property was mutated outside the Initial state.
	ErrInvalidState = errors.New("invalid lease state")

	// ErrInvalidDuration indicates a negative duration was supplied.
	ErrInvalidDuration = errors.New("invalid duration")

	// ErrSponsorTimeout indicates a sponsor did not answer within the sponsorship timeout.
	ErrSponsorTimeout = errors.New("sponsor timed out")

	// ErrSponsorPanic indicates a sponsor panicked while being asked for a renewal.
	ErrSponsorPanic = errors.New("sponsor panicked")

	// ErrNilLease indicates a nil lease was passed to the manager.
	ErrNilLease = errors.New("lease is nil")

	// ErrNilOwner indicates a nil owner was passed to the manager.
	ErrNilOwner = errors.New("owner is nil")

	// ErrNilSponsor indicates a nil sponsor was registered.
	ErrNilSponsor = errors.New("sponsor is nil")

	// ErrSponsorClosed indicates a closed sponsor was registered on a lease.
	ErrSponsorClosed = errors.New("sponsor closed")

	// ErrManagerClosed indicates the manager has been closed.
	ErrManagerClosed = errors.New("lease manager closed")

	// ErrInvalidLeaseID indicates a lease ID that is not a single subject token.
	ErrInvalidLeaseID = errors.New("invalid lease id")

	// ErrLeaseNotFound indicates no lease is tracked under the given ID.
	ErrLeaseNotFound = errors.New("lease not found")

	// ErrAlreadyStarted indicates a service or server is already running.
	ErrAlreadyStarted = errors.New("already started")

	// ErrNotStarted indicates a service or server has not been started.
	ErrNotStarted = errors.New("not started")
)
