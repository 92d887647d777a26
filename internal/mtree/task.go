package mtree

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/zenithlabs/zenith/common/logging"
	"github.com/zenithlabs/zenith/internal/types"
)

// Update is one block's worth of leaf updates, queued for asynchronous
// persistence.
type Update struct {
	Height  types.BlockNumber
	Updates types.StateDiff
}

// Task persists tree versions asynchronously: the sequencer does not need the
// root to produce blocks (the block hash excludes it), so the tree may lag the
// state store and catch up between batch seals.
type Task struct {
	tree   *Tree
	input  chan Update
	logger zerolog.Logger
}

func NewTask(tree *Tree, bufferSize int) *Task {
	return &Task{
		tree:   tree,
		input:  make(chan Update, bufferSize),
		logger: logging.NewLogger("mtree_task"),
	}
}

func (t *Task) Name() string { return "mtree_task" }

// Enqueue schedules a block's updates. Blocks when the buffer is full: tree
// lag is bounded by the channel capacity.
func (t *Task) Enqueue(ctx context.Context, update Update) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case t.input <- update:
		return nil
	}
}

// Run drains the update queue until the context is canceled, then flushes
// whatever is already queued so the persisted tree ends on a block boundary.
func (t *Task) Run(ctx context.Context, started chan<- struct{}) error {
	if started != nil {
		close(started)
	}

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case update := <-t.input:
					if _, err := t.tree.Extend(context.Background(), update.Height, update.Updates); err != nil {
						t.logger.Error().Err(err).Msg("failed to flush tree update on shutdown")
						return err
					}
				default:
					return ctx.Err()
				}
			}
		case update := <-t.input:
			if _, err := t.tree.Extend(ctx, update.Height, update.Updates); err != nil {
				return err
			}
		}
	}
}
