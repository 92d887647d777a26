package batcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/zenithlabs/zenith/common/logging"
	"github.com/zenithlabs/zenith/internal/executor"
	"github.com/zenithlabs/zenith/internal/mtree"
	"github.com/zenithlabs/zenith/internal/pipeline"
	"github.com/zenithlabs/zenith/internal/receipts"
	"github.com/zenithlabs/zenith/internal/telemetry"
	"github.com/zenithlabs/zenith/internal/types"
	"github.com/zenithlabs/zenith/internal/wal"
	"github.com/zenithlabs/zenith/services/batcher/constraints"
	"github.com/zenithlabs/zenith/services/batcher/proverinput"
	"go.opentelemetry.io/otel/metric"
)

type Config struct {
	Constraints constraints.BatchConstraints `yaml:"constraints,omitempty"`

	// SealCheckInterval is the idle tick on which the wall-clock sealing
	// deadline is re-evaluated while no blocks arrive.
	SealCheckInterval time.Duration `yaml:"sealCheckInterval,omitempty"`

	// TreeWaitTimeout bounds how long sealing waits for the lazy Merkle tree
	// to catch up to the batch's last block.
	TreeWaitTimeout time.Duration `yaml:"treeWaitTimeout,omitempty"`

	OutputBufferSize int `yaml:"outputBufferSize,omitempty"`
}

func DefaultConfig() Config {
	return Config{
		Constraints:       constraints.DefaultBatchConstraints(),
		SealCheckInterval: time.Second,
		TreeWaitTimeout:   30 * time.Second,
		OutputBufferSize:  5,
	}
}

// Artifact is the batcher's downstream unit, consumed by the commit sender.
type Artifact struct {
	Batch *types.Batch
}

// pendingState is the batch currently being filled.
type pendingState struct {
	batch      *types.Batch
	recorder   *proverinput.Recorder
	firstBlock time.Time
	touched    types.StateDiff // union of the batch's storage writes
	lastPrio   int
}

// Batcher segments the committed block stream into proof-sized batches,
// computes prover inputs and publishes batch artifacts. Batch boundaries never
// split a block; a block belongs to exactly one batch.
type Batcher struct {
	cfg     Config
	storage *BatchStorage
	tree    *mtree.Tree
	checker *constraints.Checker
	clock   clockwork.Clock
	logger  zerolog.Logger

	sealedCounter metric.Int64Counter

	current *pendingState
	skipTo  types.BlockNumber // blocks below this are already in sealed batches

	// Backfill sources: blocks the executor will not re-deliver after restart
	// (already applied to state, not yet in a sealed batch) are reconstructed
	// from the WAL and the stored per-block diffs.
	wal  *wal.Storage
	repo *receipts.Repository
}

func New(
	cfg Config,
	storage *BatchStorage,
	tree *mtree.Tree,
	walStorage *wal.Storage,
	repo *receipts.Repository,
	clock clockwork.Clock,
) *Batcher {
	logger := logging.NewLogger("batcher")
	meter := telemetry.NewMeter("github.com/zenithlabs/zenith/services/batcher")
	return &Batcher{
		cfg:           cfg,
		storage:       storage,
		tree:          tree,
		wal:           walStorage,
		repo:          repo,
		checker:       constraints.NewChecker(cfg.Constraints, clock, logger),
		clock:         clock,
		logger:        logger,
		sealedCounter: telemetry.NewCounter(meter, "batches_sealed", "number of sealed batches"),
	}
}

func (b *Batcher) Name() string          { return "batcher" }
func (b *Batcher) OutputBufferSize() int { return b.cfg.OutputBufferSize }

func (b *Batcher) Run(
	ctx context.Context,
	input *pipeline.PeekableReceiver[executor.BlockResult],
	output chan<- Artifact,
) error {
	stateHandle := pipeline.GlobalReporter().HandleFor("batcher", "starting")

	if err := b.recover(ctx, output); err != nil {
		return err
	}

	for {
		stateHandle.Enter("waiting_for_block")
		recvCtx, cancel := context.WithTimeout(ctx, b.cfg.SealCheckInterval)
		result, err := input.Recv(recvCtx)
		cancel()

		switch {
		case err == nil:
			stateHandle.Enter("appending")
			if err := b.appendBlock(ctx, result); err != nil {
				return err
			}
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			// Idle tick: only the wall-clock deadline can fire.
		default:
			return err
		}

		if b.current == nil {
			continue
		}
		checkResult, err := b.checker.CheckConstraints(ctx, b.pendingView())
		if err != nil {
			return err
		}
		if checkResult.Type == constraints.CheckResultTypeShouldBeSealed {
			stateHandle.Enter("sealing")
			if err := b.seal(ctx, output); err != nil {
				return err
			}
		}
	}
}

// recover applies the skip-to-first-uncommitted rule: blocks already contained
// in sealed batches are discarded from the processing queue (skipped, not
// deleted), and sealed-but-not-committed batches are re-offered downstream so
// the senders always see work they still need to do.
func (b *Batcher) recover(ctx context.Context, output chan<- Artifact) error {
	// A batch that was still filling when the process died was never sealed;
	// its record is discarded and its blocks re-batch through the backfill.
	if latest, ok, err := b.storage.LatestIndex(ctx); err != nil {
		return err
	} else if ok {
		for index := types.BatchIndex(0); index <= latest; index++ {
			batch, err := b.storage.GetBatch(ctx, index)
			if err != nil {
				return err
			}
			if batch != nil && batch.Status == types.BatchStatusPending {
				b.logger.Info().
					Stringer(logging.FieldBatchIndex, index).
					Msg("discarding unsealed batch from previous run")
				if err := b.storage.DeleteBatch(ctx, index); err != nil {
					return err
				}
			}
		}
	}

	lastSealed, err := b.storage.LastWithStatusAtLeast(ctx, types.BatchStatusSealed)
	if err != nil {
		return err
	}
	if lastSealed == nil {
		return nil
	}
	b.skipTo = lastSealed.LastBlock + 1

	lastCommitted, err := b.storage.LastWithStatusAtLeast(ctx, types.BatchStatusCommitted)
	if err != nil {
		return err
	}
	reofferFrom := types.BatchIndex(0)
	if lastCommitted != nil {
		reofferFrom = lastCommitted.Index + 1
	}

	for index := reofferFrom; index <= lastSealed.Index; index++ {
		batch, err := b.storage.GetBatch(ctx, index)
		if err != nil {
			return err
		}
		if batch == nil || batch.Status != types.BatchStatusSealed {
			continue
		}
		b.logger.Info().
			Stringer(logging.FieldBatchIndex, batch.Index).
			Msg("re-offering sealed batch after restart")
		if err := pipeline.Send(ctx, output, Artifact{Batch: batch}); err != nil {
			return err
		}
	}

	return b.backfill(ctx)
}

// backfill re-appends blocks the executor will not re-deliver: heights at or
// above skipTo that already reached the WAL and the derived stores before the
// restart. Their replay records and diffs are read back instead of re-executed.
func (b *Batcher) backfill(ctx context.Context) error {
	return b.wal.Iter(ctx, b.skipTo, func(record *types.ReplayRecord) (bool, error) {
		diff, err := b.repo.GetBlockDiff(ctx, record.Number())
		if err != nil {
			return false, err
		}
		if diff == nil {
			// The executor will replay this block and deliver it live.
			return false, nil
		}
		b.logger.Info().
			Stringer(logging.FieldBlockNumber, record.Number()).
			Msg("backfilling block into pending batch")
		result := executor.BlockResult{
			Block:     &types.Block{Context: record.Context},
			Record:    record,
			StateDiff: diff,
		}
		return true, b.appendBlock(ctx, result)
	})
}

func (b *Batcher) appendBlock(ctx context.Context, result executor.BlockResult) error {
	number := result.Block.Number()
	if number < b.skipTo {
		b.logger.Debug().
			Stringer(logging.FieldBlockNumber, number).
			Msg("skipping block already covered by a sealed batch")
		return nil
	}

	if b.current == nil {
		index := types.BatchIndex(0)
		if latest, ok, err := b.storage.LatestIndex(ctx); err != nil {
			return err
		} else if ok {
			index = latest + 1
		}
		batch := types.NewBatch(index, number, result.Record.StartingPriorityIndex)
		b.current = &pendingState{
			batch:      batch,
			recorder:   proverinput.NewRecorder(),
			firstBlock: b.clock.Now(),
			touched:    make(types.StateDiff),
		}
		b.logger.Info().
			Stringer(logging.FieldBatchIndex, index).
			Stringer(logging.FieldBlockNumber, number).
			Msg("opened new batch")
	}

	pending := b.current
	if number != pending.batch.FirstBlock && number != pending.batch.LastBlock+1 {
		return fmt.Errorf("batcher received block %d out of order (batch at %d)",
			number, pending.batch.LastBlock)
	}

	pending.recorder.RecordBlock(result.Record)
	pending.batch.LastBlock = number
	priorityCount := result.Record.PriorityTxCount()
	pending.batch.PriorityTxs.To = result.Record.StartingPriorityIndex + types.PriorityIndex(priorityCount)
	pending.lastPrio = priorityCount
	for key, value := range result.StateDiff {
		pending.touched[key] = value
	}

	// Persist the pending batch so its block range is observable while filling.
	return b.storage.PutBatch(ctx, pending.batch)
}

func (b *Batcher) pendingView() *constraints.PendingBatch {
	return &constraints.PendingBatch{
		Batch:                b.current.batch,
		FirstBlock:           b.current.firstBlock,
		InputWords:           b.current.recorder.WordCount(),
		LastBlockPriorityTxs: b.current.lastPrio,
	}
}

// seal closes the current batch: waits for the lazy tree to reach the batch's
// last block, proves the batch's touched keys at that boundary, folds the
// witnesses into the prover input and publishes the artifact.
func (b *Batcher) seal(ctx context.Context, output chan<- Artifact) error {
	pending := b.current
	lastBlock := pending.batch.LastBlock

	waitCtx, cancel := context.WithTimeout(ctx, b.cfg.TreeWaitTimeout)
	err := b.tree.WaitFor(waitCtx, lastBlock)
	cancel()
	if err != nil {
		return err
	}

	version, err := b.tree.GetVersion(ctx, lastBlock)
	if err != nil {
		return err
	}

	witnesses, err := b.tree.Prove(ctx, lastBlock, pending.touched.SortedKeys())
	if err != nil {
		return err
	}
	if err := pending.recorder.RecordWitnesses(version.Root, witnesses); err != nil {
		return err
	}

	blob, err := pending.recorder.Blob()
	if err != nil {
		return err
	}
	sealed, err := pending.batch.AsSealed(blob)
	if err != nil {
		return err
	}
	if err := b.storage.PutBatch(ctx, sealed); err != nil {
		return err
	}

	b.current = nil
	b.skipTo = sealed.LastBlock + 1
	b.sealedCounter.Add(ctx, 1)
	b.logger.Info().
		Stringer(logging.FieldBatchIndex, sealed.Index).
		Stringer(logging.FieldBlockNumber, sealed.LastBlock).
		Int("inputBytes", len(sealed.ProverInput)).
		Msg("batch sealed")

	return pipeline.Send(ctx, output, Artifact{Batch: sealed})
}
