package prioritytree

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/zenithlabs/zenith/internal/types"
)

// NewTestPriorityTx builds a priority transaction with the given index, for tests.
func NewTestPriorityTx(index types.PriorityIndex) *types.Transaction {
	target := common.Address{0xde, 0xad}
	return &types.Transaction{
		Kind:          types.TxKindPriority,
		From:          common.Address{0xbe, 0xef},
		To:            &target,
		Value:         uint256.NewInt(uint64(index) + 1),
		GasLimit:      100_000,
		GasPrice:      uint256.NewInt(0),
		Data:          []byte{byte(index)},
		PriorityIndex: &index,
	}
}

// PackPriorityEventData encodes the non-indexed fields of the priority event
// the way the rollup contract emits them, for tests that fake L1 logs.
func PackPriorityEventData(tx *types.Transaction) ([]byte, error) {
	return priorityABI.Events["PriorityTransactionEnqueued"].Inputs.NonIndexed().Pack(
		tx.From, *tx.To, tx.Value.ToBig(), new(big.Int).SetUint64(tx.GasLimit), []byte(tx.Data),
	)
}
