package constraints

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/zenithlabs/zenith/common/logging"
	"github.com/zenithlabs/zenith/internal/types"
)

// PendingBatch is the checker's view of the batch being filled.
type PendingBatch struct {
	Batch      *types.Batch
	FirstBlock time.Time // when the first block was appended
	InputWords uint64    // prover input size so far, in 32-bit words

	// LastBlockPriorityTxs is the number of priority transactions consumed by
	// the most recently appended block.
	LastBlockPriorityTxs int
}

type batchConstraintRunner interface {
	Name() string
	Run(ctx context.Context, pending *PendingBatch) (*CheckResult, error)
}

type Checker struct {
	constraints BatchConstraints
	runners     []batchConstraintRunner
	logger      zerolog.Logger
}

func NewChecker(
	constraints BatchConstraints,
	clock clockwork.Clock,
	logger zerolog.Logger,
) *Checker {
	return &Checker{
		constraints: constraints,
		runners: []batchConstraintRunner{
			newTimeoutConstraint(constraints, clock),
			newSizeConstraint(constraints),
			newWordsConstraint(constraints),
			newPriorityBoundaryConstraint(constraints),
		},
		logger: logger,
	}
}

func (c *Checker) Constraints() BatchConstraints {
	return c.constraints
}

// CheckConstraints is evaluated after every appended block, and again on the
// batcher's idle tick so the wall-clock deadline fires without traffic.
func (c *Checker) CheckConstraints(ctx context.Context, pending *PendingBatch) (*CheckResult, error) {
	batchResult := canBeExtended()

	for _, constraint := range c.runners {
		result, err := constraint.Run(ctx, pending)
		if err != nil {
			return nil, fmt.Errorf("failed to run batch constraint %s: %w", constraint.Name(), err)
		}
		batchResult.JoinWith(result)
	}

	if batchResult.Type != CheckResultTypeCanBeExtended {
		c.logger.Info().
			Stringer(logging.FieldBatchId, pending.Batch.Id).
			Msgf("batch constraint(s) fired, result: %s", batchResult)
	}
	return batchResult, nil
}
