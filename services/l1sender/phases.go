package l1sender

import (
	"context"
	"encoding/json"
	"fmt"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/zenithlabs/zenith/common/logging"
	"github.com/zenithlabs/zenith/internal/pipeline"
	"github.com/zenithlabs/zenith/internal/prioritytree"
	"github.com/zenithlabs/zenith/internal/types"
	"github.com/zenithlabs/zenith/services/batcher"
	"github.com/zenithlabs/zenith/services/l1sender/l1client"
)

// NewCommitSender submits sealed batches' commitments.
func NewCommitSender(
	cfg Config,
	client l1client.EthClient,
	storage *batcher.BatchStorage,
) (*Sender, error) {
	return newSender(cfg, client, storage, phase{
		name:            "commit",
		candidateStatus: types.BatchStatusSealed,
		ready:           func(*types.Batch) bool { return true },
		payload:         packCommit,
		transition: func(batch types.Batch, txHash ethcommon.Hash) (*types.Batch, error) {
			return batch.AsCommitted(txHash)
		},
	})
}

// NewProveSender submits proofs for committed batches. A batch becomes a
// candidate only after its commit confirmed (status Committed) and the prover
// delivered a blob.
func NewProveSender(
	cfg Config,
	client l1client.EthClient,
	storage *batcher.BatchStorage,
) (*Sender, error) {
	return newSender(cfg, client, storage, phase{
		name:            "prove",
		candidateStatus: types.BatchStatusCommitted,
		ready:           func(batch *types.Batch) bool { return len(batch.ProofBlob) > 0 },
		payload:         packProve,
		transition: func(batch types.Batch, _ ethcommon.Hash) (*types.Batch, error) {
			return batch.AsProven(batch.ProofBlob)
		},
	})
}

// NewExecuteSender submits execution for proven batches, attaching the
// priority-tree inclusion proof for the range of priority transactions the
// batch consumed.
func NewExecuteSender(
	cfg Config,
	client l1client.EthClient,
	storage *batcher.BatchStorage,
	priority *prioritytree.Manager,
) (*Sender, error) {
	return newSender(cfg, client, storage, phase{
		name:            "execute",
		candidateStatus: types.BatchStatusProven,
		ready:           func(*types.Batch) bool { return true },
		payload: func(batch *types.Batch) ([]byte, error) {
			proof, err := priority.InclusionProof(batch.PriorityTxs.From, batch.PriorityTxs.To)
			if err != nil {
				return nil, fmt.Errorf("building priority inclusion proof for batch %d: %w", batch.Index, err)
			}
			encoded, err := json.Marshal(proof)
			if err != nil {
				return nil, err
			}
			return packExecute(batch, proof, encoded)
		},
		transition: func(batch types.Batch, txHash ethcommon.Hash) (*types.Batch, error) {
			return batch.AsExecuted(txHash)
		},
	})
}

// CommitComponent hosts the commit sender as the terminal pipeline component:
// it consumes the batcher's artifact stream, so a stalled L1 propagates
// backpressure all the way to block production.
type CommitComponent struct {
	sender *Sender
}

func NewCommitComponent(sender *Sender) *CommitComponent {
	return &CommitComponent{sender: sender}
}

func (c *CommitComponent) Name() string          { return "l1_sender_commit" }
func (c *CommitComponent) OutputBufferSize() int { return 1 }

func (c *CommitComponent) Run(
	ctx context.Context,
	input *pipeline.PeekableReceiver[batcher.Artifact],
	output chan<- struct{},
) error {
	for {
		artifact, err := input.Recv(ctx)
		if err != nil {
			return err
		}
		batch := artifact.Batch
		if batch.Status != types.BatchStatusSealed {
			continue
		}

		if err := c.sender.ProcessBatch(ctx, batch); err != nil {
			return err
		}

		// A permanently failed batch pauses the pipeline here; later batches
		// must never be committed around it.
		current, err := c.sender.storage.GetBatch(ctx, batch.Index)
		if err != nil {
			return err
		}
		if current != nil && current.Status == types.BatchStatusFailed {
			c.sender.logger.Error().
				Stringer(logging.FieldBatchIndex, batch.Index).
				Msg("commit pipeline paused on failed batch")
			<-ctx.Done()
			return ctx.Err()
		}
	}
}
