package executor

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/zenithlabs/zenith/internal/types"
)

// ReferenceVM is a deterministic stand-in for the external execution engine,
// used in tests and in the dummy-prover path. Every transaction writes one
// storage slot derived from its hash; user transactions with a zero gas price
// fail validation locally and produce a failed receipt.
type ReferenceVM struct{}

var _ VM = (*ReferenceVM)(nil)

func (vm *ReferenceVM) Execute(
	ctx context.Context,
	blockCtx types.BlockContext,
	view StateReader,
	txs []*types.Transaction,
) (*ExecutionResult, error) {
	result := &ExecutionResult{
		StateDiff: make(types.StateDiff),
		Preimages: make(map[common.Hash][]byte),
	}

	for i, tx := range txs {
		receipt := &types.Receipt{
			TxHash:      tx.Hash(),
			TxIndex:     uint32(i),
			BlockNumber: blockCtx.Number,
			Status:      types.ReceiptStatusSuccessful,
			GasUsed:     21_000,
		}
		if tx.GasPrice != nil {
			receipt.EffectiveGasPrice = tx.GasPrice.Uint64()
		}

		if tx.Kind == types.TxKindUser && (tx.GasPrice == nil || tx.GasPrice.IsZero()) {
			receipt.Status = types.ReceiptStatusFailed
			receipt.FailureReason = "zero gas price"
			result.Receipts = append(result.Receipts, receipt)
			continue
		}

		txHash := tx.Hash()
		slot := crypto.Keccak256Hash(txHash.Bytes(), []byte("slot"))
		result.StateDiff[slot] = crypto.Keccak256Hash(txHash.Bytes(), blockCtx.Number.Bytes())
		if len(tx.Data) > 0 {
			result.Preimages[crypto.Keccak256Hash(tx.Data)] = tx.Data
		}

		result.GasUsed += receipt.GasUsed
		result.Receipts = append(result.Receipts, receipt)
	}
	return result, nil
}
