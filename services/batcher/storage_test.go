package batcher

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zenithlabs/zenith/internal/db"
	"github.com/zenithlabs/zenith/internal/types"
)

func newStorage(t *testing.T) *BatchStorage {
	t.Helper()
	database, err := db.NewBadgerDbInMemory()
	require.NoError(t, err)
	t.Cleanup(database.Close)
	return NewBatchStorage(database)
}

func storeBatch(t *testing.T, storage *BatchStorage, index types.BatchIndex, status types.BatchStatus) *types.Batch {
	t.Helper()
	batch := types.NewBatch(index, types.BlockNumber(uint64(index)*3), 0)
	batch.LastBlock = batch.FirstBlock + 2
	batch.Status = status
	require.NoError(t, storage.PutBatch(context.Background(), batch))
	return batch
}

func TestPutGetRoundTrip(t *testing.T) {
	storage := newStorage(t)
	ctx := context.Background()

	stored := storeBatch(t, storage, 0, types.BatchStatusSealed)

	got, err := storage.GetBatch(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, stored.Id, got.Id)
	require.Equal(t, stored.Status, got.Status)

	missing, err := storage.GetBatch(ctx, 7)
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestLatestIndex(t *testing.T) {
	storage := newStorage(t)
	ctx := context.Background()

	_, ok, err := storage.LatestIndex(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	storeBatch(t, storage, 0, types.BatchStatusExecuted)
	storeBatch(t, storage, 1, types.BatchStatusSealed)

	latest, ok, err := storage.LatestIndex(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, types.BatchIndex(1), latest)
}

func TestNextInStatusRespectsOrder(t *testing.T) {
	storage := newStorage(t)
	ctx := context.Background()

	storeBatch(t, storage, 0, types.BatchStatusExecuted)
	storeBatch(t, storage, 1, types.BatchStatusCommitted)
	storeBatch(t, storage, 2, types.BatchStatusSealed)
	storeBatch(t, storage, 3, types.BatchStatusSealed)

	next, err := storage.NextInStatus(ctx, types.BatchStatusSealed)
	require.NoError(t, err)
	require.Equal(t, types.BatchIndex(2), next.Index)

	next, err = storage.NextInStatus(ctx, types.BatchStatusCommitted)
	require.NoError(t, err)
	require.Equal(t, types.BatchIndex(1), next.Index)

	// Nothing is ready for execute: batch 1 is only committed.
	next, err = storage.NextInStatus(ctx, types.BatchStatusProven)
	require.NoError(t, err)
	require.Nil(t, next)
}

func TestFailedBatchBlocksPhase(t *testing.T) {
	storage := newStorage(t)
	ctx := context.Background()

	storeBatch(t, storage, 0, types.BatchStatusFailed)
	storeBatch(t, storage, 1, types.BatchStatusSealed)

	// The failed batch pauses the phase; batch 1 is never offered around it.
	next, err := storage.NextInStatus(ctx, types.BatchStatusSealed)
	require.NoError(t, err)
	require.Nil(t, next)
}

func TestLastWithStatusAtLeast(t *testing.T) {
	storage := newStorage(t)
	ctx := context.Background()

	storeBatch(t, storage, 0, types.BatchStatusExecuted)
	storeBatch(t, storage, 1, types.BatchStatusCommitted)
	storeBatch(t, storage, 2, types.BatchStatusSealed)

	last, err := storage.LastWithStatusAtLeast(ctx, types.BatchStatusCommitted)
	require.NoError(t, err)
	require.Equal(t, types.BatchIndex(1), last.Index)

	last, err = storage.LastWithStatusAtLeast(ctx, types.BatchStatusSealed)
	require.NoError(t, err)
	require.Equal(t, types.BatchIndex(2), last.Index)

	last, err = storage.LastWithStatusAtLeast(ctx, types.BatchStatusExecuted)
	require.NoError(t, err)
	require.Equal(t, types.BatchIndex(0), last.Index)
}

func TestSetProof(t *testing.T) {
	storage := newStorage(t)
	ctx := context.Background()

	storeBatch(t, storage, 0, types.BatchStatusCommitted)
	require.NoError(t, storage.SetProof(ctx, 0, []byte("proof")))

	batch, err := storage.GetBatch(ctx, 0)
	require.NoError(t, err)
	require.EqualValues(t, []byte("proof"), []byte(batch.ProofBlob))
	require.Equal(t, types.BatchStatusCommitted, batch.Status)

	require.Error(t, storage.SetProof(ctx, 9, []byte("proof")))
}
