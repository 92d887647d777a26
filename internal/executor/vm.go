package executor

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/zenithlabs/zenith/internal/types"
)

// StateReader is the VM-facing view of the state at the parent height.
type StateReader interface {
	Get(ctx context.Context, key common.Hash) (common.Hash, bool, error)
	PreimageGet(ctx context.Context, hash common.Hash) ([]byte, error)
}

// ExecutionResult is everything one block execution yields.
type ExecutionResult struct {
	Receipts  []*types.Receipt
	StateDiff types.StateDiff
	Preimages map[common.Hash][]byte
	GasUsed   uint64
}

// VM is the external execution engine, treated as a pure function: all inputs
// are explicit and the result is fully determined by them. Invalid user
// transactions are reported in their receipts, never as an error.
type VM interface {
	Execute(
		ctx context.Context,
		blockCtx types.BlockContext,
		view StateReader,
		txs []*types.Transaction,
	) (*ExecutionResult, error)
}
