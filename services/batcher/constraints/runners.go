package constraints

import (
	"context"

	"github.com/jonboulle/clockwork"
)

type sizeConstraint struct {
	constraints BatchConstraints
}

func newSizeConstraint(constraints BatchConstraints) batchConstraintRunner {
	return &sizeConstraint{constraints: constraints}
}

func (c *sizeConstraint) Name() string {
	return "size"
}

func (c *sizeConstraint) Run(_ context.Context, pending *PendingBatch) (*CheckResult, error) {
	blocksCount := uint32(pending.Batch.BlockCount())
	if blocksCount >= c.constraints.MaxBlocksCount {
		return shouldBeSealed("batch reached MaxBlocksCount (%d)", blocksCount), nil
	}
	return canBeExtended(), nil
}

type wordsConstraint struct {
	constraints BatchConstraints
}

func newWordsConstraint(constraints BatchConstraints) batchConstraintRunner {
	return &wordsConstraint{constraints: constraints}
}

func (c *wordsConstraint) Name() string {
	return "words"
}

func (c *wordsConstraint) Run(_ context.Context, pending *PendingBatch) (*CheckResult, error) {
	if pending.InputWords >= c.constraints.MaxInputWords {
		return shouldBeSealed(
			"prover input reached MaxInputWords (%d >= %d)",
			pending.InputWords, c.constraints.MaxInputWords,
		), nil
	}
	return canBeExtended(), nil
}

type timeoutConstraint struct {
	constraints BatchConstraints
	clock       clockwork.Clock
}

func newTimeoutConstraint(constraints BatchConstraints, clock clockwork.Clock) batchConstraintRunner {
	return &timeoutConstraint{constraints: constraints, clock: clock}
}

func (c *timeoutConstraint) Name() string {
	return "timeout"
}

func (c *timeoutConstraint) Run(_ context.Context, pending *PendingBatch) (*CheckResult, error) {
	currentDuration := c.clock.Now().Sub(pending.FirstBlock)
	if currentDuration >= c.constraints.SealingTimeout {
		return shouldBeSealed(
			"sealing timeout is reached (%s >= %s)",
			currentDuration, c.constraints.SealingTimeout,
		), nil
	}
	return canBeExtended(), nil
}

type priorityBoundaryConstraint struct {
	constraints BatchConstraints
}

func newPriorityBoundaryConstraint(constraints BatchConstraints) batchConstraintRunner {
	return &priorityBoundaryConstraint{constraints: constraints}
}

func (c *priorityBoundaryConstraint) Name() string {
	return "priority_boundary"
}

func (c *priorityBoundaryConstraint) Run(_ context.Context, pending *PendingBatch) (*CheckResult, error) {
	if !c.constraints.SealOnPriorityBoundary {
		return canBeExtended(), nil
	}
	// The run of priority transactions ended: the batch holds some and the
	// latest block consumed none.
	if !pending.Batch.PriorityTxs.IsEmpty() && pending.LastBlockPriorityTxs == 0 {
		return shouldBeSealed("priority tx boundary crossed"), nil
	}
	return canBeExtended(), nil
}
