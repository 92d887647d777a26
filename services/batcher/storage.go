package batcher

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/zenithlabs/zenith/common/logging"
	"github.com/zenithlabs/zenith/internal/db"
	"github.com/zenithlabs/zenith/internal/types"
)

// BatchStorage persists batch records keyed by batch index. It is the source
// of truth for the four-phase lifecycle: the batcher seals into it, the three
// L1 senders advance statuses through it, and the safe block tag reads it.
type BatchStorage struct {
	database db.DB
	logger   zerolog.Logger
}

func NewBatchStorage(database db.DB) *BatchStorage {
	return &BatchStorage{
		database: database,
		logger:   logging.NewLogger("batch_storage"),
	}
}

// PutBatch writes a batch record, overwriting any previous state for its index.
func (s *BatchStorage) PutBatch(ctx context.Context, batch *types.Batch) error {
	tx, err := s.database.CreateRwTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := db.PutJSON(tx, db.BatchIndexTable, batch.Index.Bytes(), batch); err != nil {
		return err
	}
	return tx.Commit()
}

// GetBatch returns the batch at the given index, or nil if unknown.
func (s *BatchStorage) GetBatch(ctx context.Context, index types.BatchIndex) (*types.Batch, error) {
	tx, err := s.database.CreateRoTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	batch, err := db.GetJSON[types.Batch](tx, db.BatchIndexTable, index.Bytes())
	if errors.Is(err, db.ErrKeyNotFound) {
		return nil, nil
	}
	return batch, err
}

// LatestIndex returns the highest stored batch index.
func (s *BatchStorage) LatestIndex(ctx context.Context) (types.BatchIndex, bool, error) {
	tx, err := s.database.CreateRoTx(ctx)
	if err != nil {
		return 0, false, err
	}
	defer tx.Rollback()

	iter, err := tx.Range(db.BatchIndexTable, nil, nil)
	if err != nil {
		return 0, false, err
	}
	defer iter.Close()

	var latest types.BatchIndex
	found := false
	for iter.HasNext() {
		key, _, err := iter.Next()
		if err != nil {
			return 0, false, err
		}
		index := types.BatchIndex(types.BytesToBlockNumber(key).Uint64())
		if !found || index > latest {
			latest = index
			found = true
		}
	}
	return latest, found, nil
}

// LastWithStatusAtLeast returns the highest batch whose status reached the
// given stage, walking indices from 0. Batches advance strictly in order per
// phase, so the first batch below the stage ends the scan.
func (s *BatchStorage) LastWithStatusAtLeast(
	ctx context.Context,
	status types.BatchStatus,
) (*types.Batch, error) {
	var last *types.Batch
	for index := types.BatchIndex(0); ; index++ {
		batch, err := s.GetBatch(ctx, index)
		if err != nil {
			return nil, err
		}
		if batch == nil || batch.Status < status || batch.Status == types.BatchStatusFailed {
			return last, nil
		}
		last = batch
	}
}

// NextInStatus returns the lowest-index batch currently in exactly the given
// status whose predecessor has advanced past it — the next unit of work for a
// phase sender. Strict ordering across batches falls out of this: batch N+1 is
// never offered while batch N is still in (or before) the same phase.
func (s *BatchStorage) NextInStatus(
	ctx context.Context,
	status types.BatchStatus,
) (*types.Batch, error) {
	for index := types.BatchIndex(0); ; index++ {
		batch, err := s.GetBatch(ctx, index)
		if err != nil {
			return nil, err
		}
		if batch == nil {
			return nil, nil
		}
		switch {
		case batch.Status == status:
			return batch, nil
		case batch.Status > status && batch.Status != types.BatchStatusFailed:
			continue
		default:
			// Predecessor not there yet (or failed): no work may be offered.
			return nil, nil
		}
	}
}

// DeleteBatch removes a batch record. Only used for discarding never-sealed
// batches during recovery; sealed batches are immutable history.
func (s *BatchStorage) DeleteBatch(ctx context.Context, index types.BatchIndex) error {
	tx, err := s.database.CreateRwTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := tx.Delete(db.BatchIndexTable, index.Bytes()); err != nil {
		return err
	}
	return tx.Commit()
}

// SetProof attaches a proof blob to a batch without advancing its status; the
// prove sender advances the status once L1 confirms.
func (s *BatchStorage) SetProof(ctx context.Context, index types.BatchIndex, proof []byte) error {
	batch, err := s.GetBatch(ctx, index)
	if err != nil {
		return err
	}
	if batch == nil {
		return fmt.Errorf("cannot set proof: batch %d not found", index)
	}
	batch.ProofBlob = proof
	return s.PutBatch(ctx, batch)
}
