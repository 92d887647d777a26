package receipts

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/zenithlabs/zenith/common/logging"
	"github.com/zenithlabs/zenith/internal/db"
	"github.com/zenithlabs/zenith/internal/types"
)

// Repository stores per-block and per-transaction receipts for API queries.
// Everything here is derivable from (block, state@parent, txs); pruning never
// affects sequencer correctness.
type Repository struct {
	database db.DB
	logger   zerolog.Logger
}

func NewRepository(database db.DB) *Repository {
	return &Repository{
		database: database,
		logger:   logging.NewLogger("receipts"),
	}
}

// PutBlock stores a block's receipts and the per-tx index. Idempotent on key
// collision: re-populating a height overwrites with identical data.
func (r *Repository) PutBlock(
	ctx context.Context,
	height types.BlockNumber,
	receipts []*types.Receipt,
) error {
	tx, err := r.database.CreateRwTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := db.PutJSON(tx, db.BlockReceiptsTable, height.Bytes(), receipts); err != nil {
		return err
	}
	for _, receipt := range receipts {
		if err := db.PutJSON(tx, db.TxReceiptTable, receipt.TxHash.Bytes(), receipt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetTx returns the receipt for a transaction hash, or nil if unknown.
func (r *Repository) GetTx(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	tx, err := r.database.CreateRoTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	receipt, err := db.GetJSON[types.Receipt](tx, db.TxReceiptTable, hash.Bytes())
	if errors.Is(err, db.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// GetBlockReceipts returns all receipts of a block, or nil if the height is unknown.
func (r *Repository) GetBlockReceipts(
	ctx context.Context,
	height types.BlockNumber,
) ([]*types.Receipt, error) {
	tx, err := r.database.CreateRoTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	receipts, err := db.GetJSON[[]*types.Receipt](tx, db.BlockReceiptsTable, height.Bytes())
	if errors.Is(err, db.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return *receipts, nil
}

// PutBlockDiff stores a block's storage diff. Like receipts, diffs are derived
// and disposable; they exist so the batcher can prove touched keys at batch
// sealing without re-executing blocks.
func (r *Repository) PutBlockDiff(
	ctx context.Context,
	height types.BlockNumber,
	diff types.StateDiff,
) error {
	tx, err := r.database.CreateRwTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := db.PutJSON(tx, db.BlockDiffTable, height.Bytes(), diff); err != nil {
		return err
	}
	return tx.Commit()
}

// GetBlockDiff returns a block's storage diff, or nil if unknown or pruned.
func (r *Repository) GetBlockDiff(
	ctx context.Context,
	height types.BlockNumber,
) (types.StateDiff, error) {
	tx, err := r.database.CreateRoTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	diff, err := db.GetJSON[types.StateDiff](tx, db.BlockDiffTable, height.Bytes())
	if errors.Is(err, db.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return *diff, nil
}

// Prune drops block receipts and their tx index entries below the given height.
func (r *Repository) Prune(ctx context.Context, belowHeight types.BlockNumber) error {
	tx, err := r.database.CreateRwTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for height := types.BlockNumber(0); height < belowHeight; height++ {
		receipts, err := db.GetJSON[[]*types.Receipt](tx, db.BlockReceiptsTable, height.Bytes())
		if errors.Is(err, db.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		for _, receipt := range *receipts {
			if err := tx.Delete(db.TxReceiptTable, receipt.TxHash.Bytes()); err != nil {
				return err
			}
		}
		if err := tx.Delete(db.BlockReceiptsTable, height.Bytes()); err != nil {
			return err
		}
		if err := tx.Delete(db.BlockDiffTable, height.Bytes()); err != nil {
			return err
		}
	}
	return tx.Commit()
}
