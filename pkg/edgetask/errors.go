package edgetask

import "errors"

var (
	// ErrTaskLeaseInvalid covers ack/fail referencing a task that is
	// missing, owned by another runtime, or whose lease id does not match
	// the current claim.
	ErrTaskLeaseInvalid = errors.New("task lease invalid")

	// ErrTaskPayloadMissing is an internal invariant violation: a claimed
	// task lacks an envelope record.
	ErrTaskPayloadMissing = errors.New("task payload missing")
)
