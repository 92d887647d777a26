package l1sender

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zenithlabs/zenith/internal/db"
	"github.com/zenithlabs/zenith/internal/prioritytree"
	"github.com/zenithlabs/zenith/internal/types"
	"github.com/zenithlabs/zenith/services/batcher"
	"github.com/zenithlabs/zenith/services/l1sender/l1client"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ReceiptTimeout = time.Second
	cfg.ReceiptPollInterval = 10 * time.Millisecond
	cfg.TickInterval = 10 * time.Millisecond
	return cfg
}

func newTestStorage(t *testing.T) *batcher.BatchStorage {
	t.Helper()
	database, err := db.NewBadgerDbInMemory()
	require.NoError(t, err)
	t.Cleanup(database.Close)
	return batcher.NewBatchStorage(database)
}

func sealedBatch(t *testing.T, storage *batcher.BatchStorage, index types.BatchIndex) *types.Batch {
	t.Helper()
	batch := types.NewBatch(index, types.BlockNumber(uint64(index)*5), 0)
	batch.LastBlock = batch.FirstBlock + 4
	sealed, err := batch.AsSealed([]byte("prover-input"))
	require.NoError(t, err)
	require.NoError(t, storage.PutBatch(context.Background(), sealed))
	return sealed
}

func TestCommitHappyPath(t *testing.T) {
	storage := newTestStorage(t)
	client := l1client.NewFakeClient()
	ctx := context.Background()

	sender, err := NewCommitSender(testConfig(), client, storage)
	require.NoError(t, err)

	batch := sealedBatch(t, storage, 0)
	require.NoError(t, sender.ProcessBatch(ctx, batch))

	stored, err := storage.GetBatch(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, types.BatchStatusCommitted, stored.Status)
	require.NotEqual(t, types.EmptyHash, stored.CommitTxHash)
	require.Equal(t, 1, client.SentCount())
}

func TestRevertTriggersFeeBump(t *testing.T) {
	storage := newTestStorage(t)
	client := l1client.NewFakeClient()
	client.RevertNext(2)
	ctx := context.Background()

	sender, err := NewCommitSender(testConfig(), client, storage)
	require.NoError(t, err)

	batch := sealedBatch(t, storage, 0)
	require.NoError(t, sender.ProcessBatch(ctx, batch))

	stored, err := storage.GetBatch(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, types.BatchStatusCommitted, stored.Status)
	// Two reverted attempts plus the successful third.
	require.Equal(t, 3, client.SentCount())
}

func TestRetryBudgetExhaustionMarksFailed(t *testing.T) {
	storage := newTestStorage(t)
	client := l1client.NewFakeClient()
	ctx := context.Background()

	cfg := testConfig()
	cfg.RetryBudget = 2
	client.RevertNext(2)

	sender, err := NewCommitSender(cfg, client, storage)
	require.NoError(t, err)

	batch := sealedBatch(t, storage, 0)
	require.NoError(t, sender.ProcessBatch(ctx, batch))

	stored, err := storage.GetBatch(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, types.BatchStatusFailed, stored.Status)

	// The failed batch is never offered as phase work again.
	next, err := storage.NextInStatus(ctx, types.BatchStatusSealed)
	require.NoError(t, err)
	require.Nil(t, next)
}

func TestPhaseOrdering(t *testing.T) {
	storage := newTestStorage(t)
	client := l1client.NewFakeClient()
	ctx := context.Background()

	database, err := db.NewBadgerDbInMemory()
	require.NoError(t, err)
	t.Cleanup(database.Close)
	priority, err := prioritytree.NewManager(database)
	require.NoError(t, err)

	commit, err := NewCommitSender(testConfig(), client, storage)
	require.NoError(t, err)
	prove, err := NewProveSender(testConfig(), client, storage)
	require.NoError(t, err)
	execute, err := NewExecuteSender(testConfig(), client, storage, priority)
	require.NoError(t, err)

	sealedBatch(t, storage, 0)
	sealedBatch(t, storage, 1)

	// Prove has nothing before commit confirms; execute nothing before prove.
	require.NoError(t, prove.runIteration(ctx))
	require.NoError(t, execute.runIteration(ctx))
	stored, _ := storage.GetBatch(ctx, 0)
	require.Equal(t, types.BatchStatusSealed, stored.Status)

	// Commit both batches in order.
	require.NoError(t, commit.runIteration(ctx))
	require.NoError(t, commit.runIteration(ctx))
	stored, _ = storage.GetBatch(ctx, 1)
	require.Equal(t, types.BatchStatusCommitted, stored.Status)

	// Prove waits for the proof blob.
	require.NoError(t, prove.runIteration(ctx))
	stored, _ = storage.GetBatch(ctx, 0)
	require.Equal(t, types.BatchStatusCommitted, stored.Status)

	require.NoError(t, storage.SetProof(ctx, 0, []byte("proof-0")))
	require.NoError(t, prove.runIteration(ctx))
	stored, _ = storage.GetBatch(ctx, 0)
	require.Equal(t, types.BatchStatusProven, stored.Status)

	// Batch 1 cannot be proven ahead of... it has no proof yet; and execute
	// advances batch 0 only.
	require.NoError(t, execute.runIteration(ctx))
	stored, _ = storage.GetBatch(ctx, 0)
	require.Equal(t, types.BatchStatusExecuted, stored.Status)
	stored, _ = storage.GetBatch(ctx, 1)
	require.Equal(t, types.BatchStatusCommitted, stored.Status)
}
