package types

import "errors"

// Logical contract violations. All of them are fatal: the affected component
// halts and the process initiates graceful shutdown.
var (
	// ErrWALGap is returned when an append would leave a hole in the WAL prefix.
	ErrWALGap = errors.New("WAL heights must form a gap-free prefix")

	// ErrDeterminismViolation is returned when replaying a block does not
	// reproduce the recorded block hash.
	ErrDeterminismViolation = errors.New("replay produced a different block hash")

	// ErrPrioritySkip is returned when a block attempts to consume priority
	// transactions out of dense index order.
	ErrPrioritySkip = errors.New("priority transaction index skipped")
)
