package txnpool

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
	"github.com/zenithlabs/zenith/internal/types"
)

type fakeFeed struct {
	txs  []*types.Transaction
	next types.PriorityIndex
}

func (f *fakeFeed) Peek(_ context.Context, limit int) ([]*types.Transaction, error) {
	if limit > len(f.txs) {
		limit = len(f.txs)
	}
	return f.txs[:limit], nil
}

func (f *fakeFeed) NextUnconsumed() types.PriorityIndex { return f.next }

func userTx(sender byte, nonce uint64) *types.Transaction {
	return &types.Transaction{
		Kind:     types.TxKindUser,
		From:     common.Address{sender},
		Nonce:    nonce,
		Value:    uint256.NewInt(1),
		GasLimit: 21000,
		GasPrice: uint256.NewInt(10),
		Data:     nil,
	}
}

func priorityTx(index types.PriorityIndex) *types.Transaction {
	to := common.Address{0xff}
	return &types.Transaction{
		Kind:          types.TxKindPriority,
		To:            &to,
		Value:         uint256.NewInt(1),
		GasPrice:      uint256.NewInt(0),
		PriorityIndex: &index,
	}
}

func TestAddAndPop(t *testing.T) {
	pool := New(DefaultConfig(), &fakeFeed{})
	ctx := context.Background()

	reasons, err := pool.Add(ctx, userTx(1, 0), userTx(1, 1), userTx(2, 0))
	require.NoError(t, err)
	for _, reason := range reasons {
		require.Equal(t, NotSet, reason)
	}
	require.Equal(t, 3, pool.Count())

	priority, users, err := pool.PopCandidates(ctx, 10, 4)
	require.NoError(t, err)
	require.Empty(t, priority)
	require.Len(t, users, 3)
}

func TestPriorityFirst(t *testing.T) {
	feed := &fakeFeed{txs: []*types.Transaction{priorityTx(0), priorityTx(1), priorityTx(2)}}
	pool := New(DefaultConfig(), feed)
	ctx := context.Background()

	_, err := pool.Add(ctx, userTx(1, 0))
	require.NoError(t, err)

	priority, users, err := pool.PopCandidates(ctx, 10, 2)
	require.NoError(t, err)
	require.Len(t, priority, 2)
	require.Equal(t, types.PriorityIndex(0), *priority[0].PriorityIndex)
	require.Equal(t, types.PriorityIndex(1), *priority[1].PriorityIndex)
	require.Len(t, users, 1)
}

func TestNonceOrderPerSender(t *testing.T) {
	pool := New(DefaultConfig(), &fakeFeed{})
	ctx := context.Background()

	// Insert out of nonce order; selection must still be ordered.
	_, err := pool.Add(ctx, userTx(1, 2))
	require.NoError(t, err)
	_, err = pool.Add(ctx, userTx(1, 0), userTx(1, 1))
	require.NoError(t, err)

	_, users, err := pool.PopCandidates(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, users, 3)
	for i, tx := range users {
		require.Equal(t, uint64(i), tx.Nonce)
	}
}

func TestDiscardReasons(t *testing.T) {
	pool := New(Config{Capacity: 1}, &fakeFeed{})
	ctx := context.Background()

	tx := userTx(1, 0)
	reasons, err := pool.Add(ctx, tx, tx, priorityTx(0), userTx(2, 0))
	require.NoError(t, err)
	require.Equal(t, NotSet, reasons[0])
	require.Equal(t, DuplicateHash, reasons[1])
	require.Equal(t, NotUserTx, reasons[2])
	require.Equal(t, PoolOverflow, reasons[3])
}

func TestOnCommittedEvicts(t *testing.T) {
	pool := New(DefaultConfig(), &fakeFeed{})
	ctx := context.Background()

	txA, txB := userTx(1, 0), userTx(1, 1)
	_, err := pool.Add(ctx, txA, txB)
	require.NoError(t, err)

	require.NoError(t, pool.OnCommitted(ctx, []*types.Transaction{txA}))
	require.False(t, pool.Known(txA.Hash()))
	require.True(t, pool.Known(txB.Hash()))

	_, users, err := pool.PopCandidates(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, users, 1)
	require.Equal(t, uint64(1), users[0].Nonce)
}
