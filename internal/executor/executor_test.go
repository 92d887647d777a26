package executor

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
	"github.com/zenithlabs/zenith/internal/db"
	"github.com/zenithlabs/zenith/internal/mtree"
	"github.com/zenithlabs/zenith/internal/prioritytree"
	"github.com/zenithlabs/zenith/internal/receipts"
	"github.com/zenithlabs/zenith/internal/state"
	"github.com/zenithlabs/zenith/internal/types"
	"github.com/zenithlabs/zenith/internal/wal"
	"github.com/zenithlabs/zenith/services/txnpool"
)

func userTx(sender byte, nonce uint64) *types.Transaction {
	return &types.Transaction{
		Kind:     types.TxKindUser,
		From:     common.Address{sender},
		Nonce:    nonce,
		Value:    uint256.NewInt(1),
		GasLimit: 21_000,
		GasPrice: uint256.NewInt(10),
		Data:     []byte{sender, byte(nonce)},
	}
}

type harness struct {
	executor *Executor
	wal      *wal.Storage
	state    *state.Store
	receipts *receipts.Repository
	tree     *mtree.Tree
	priority *prioritytree.Manager
	pool     *txnpool.Pool
	ctx      context.Context
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	database, err := db.NewBadgerDbInMemory()
	require.NoError(t, err)
	t.Cleanup(database.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	walStorage, err := wal.NewStorage(database, wal.DefaultConfig())
	require.NoError(t, err)
	walStarted := make(chan struct{})
	go func() { _ = walStorage.Run(ctx, walStarted) }()
	<-walStarted

	stateStore, err := state.NewStore(database)
	require.NoError(t, err)

	tree, err := mtree.NewTree(database)
	require.NoError(t, err)
	treeTask := mtree.NewTask(tree, 16)
	treeStarted := make(chan struct{})
	go func() { _ = treeTask.Run(ctx, treeStarted) }()
	<-treeStarted

	priority, err := prioritytree.NewManager(database)
	require.NoError(t, err)

	pool := txnpool.New(txnpool.DefaultConfig(), priority)
	repo := receipts.NewRepository(database)

	exec := New(DefaultConfig(), &ReferenceVM{}, walStorage, stateStore, repo, treeTask, priority, pool)
	return &harness{
		executor: exec,
		wal:      walStorage,
		state:    stateStore,
		receipts: repo,
		tree:     tree,
		priority: priority,
		pool:     pool,
		ctx:      ctx,
	}
}

func TestProduceChain(t *testing.T) {
	h := newHarness(t)

	_, err := h.pool.Add(h.ctx, userTx(1, 0), userTx(1, 1))
	require.NoError(t, err)

	var hashes []string
	for range 3 {
		result, err := h.executor.executeCommand(h.ctx, ProduceCommand())
		require.NoError(t, err)
		hashes = append(hashes, result.Block.Hash().Hex())
	}

	tip, ok, err := h.wal.Tip(h.ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, types.BlockNumber(2), tip)

	version, ok := h.state.Version()
	require.True(t, ok)
	require.Equal(t, types.BlockNumber(2), version)

	// The two user txs landed in block 0 and were evicted from the pool.
	require.Equal(t, 0, h.pool.Count())
	record, err := h.wal.Read(h.ctx, 0)
	require.NoError(t, err)
	require.Len(t, record.Transactions, 2)

	blockReceipts, err := h.receipts.GetBlockReceipts(h.ctx, 0)
	require.NoError(t, err)
	require.Len(t, blockReceipts, 2)

	// Parent links chain the blocks together.
	record1, err := h.wal.Read(h.ctx, 1)
	require.NoError(t, err)
	require.Equal(t, record.BlockHash, record1.Context.ParentHash)
	require.Len(t, hashes, 3)
}

func TestPriorityTxsComeFirst(t *testing.T) {
	h := newHarness(t)

	for i := types.PriorityIndex(0); i < 3; i++ {
		require.NoError(t, h.priority.Append(h.ctx, i, prioritytree.NewTestPriorityTx(i)))
	}
	_, err := h.pool.Add(h.ctx, userTx(1, 0))
	require.NoError(t, err)

	result, err := h.executor.executeCommand(h.ctx, ProduceCommand())
	require.NoError(t, err)

	txs := result.Record.Transactions
	require.Len(t, txs, 4)
	require.True(t, txs[0].IsPriority())
	require.True(t, txs[2].IsPriority())
	require.False(t, txs[3].IsPriority())
	require.Equal(t, types.PriorityIndex(0), result.Record.StartingPriorityIndex)
	require.Equal(t, types.PriorityIndex(3), h.priority.NextUnconsumed())
}

func TestReplayDeterminism(t *testing.T) {
	source := newHarness(t)

	_, err := source.pool.Add(source.ctx, userTx(1, 0), userTx(2, 0))
	require.NoError(t, err)
	for range 3 {
		_, err := source.executor.executeCommand(source.ctx, ProduceCommand())
		require.NoError(t, err)
	}

	// A fresh node replays the WAL and must reproduce identical block hashes
	// and state diffs.
	replica := newHarness(t)
	err = source.wal.Iter(source.ctx, 0, func(record *types.ReplayRecord) (bool, error) {
		result, err := replica.executor.executeCommand(replica.ctx, ReplayCommand(record))
		if err != nil {
			return false, err
		}
		require.Equal(t, record.BlockHash, result.Block.Hash())
		return true, nil
	})
	require.NoError(t, err)

	sourceVersion, _ := source.state.Version()
	replicaVersion, _ := replica.state.Version()
	require.Equal(t, sourceVersion, replicaVersion)
}

func TestReplayDeterminismViolation(t *testing.T) {
	source := newHarness(t)
	result, err := source.executor.executeCommand(source.ctx, ProduceCommand())
	require.NoError(t, err)

	tampered := *result.Record
	tampered.Context.Timestamp++

	replica := newHarness(t)
	_, err = replica.executor.executeCommand(replica.ctx, ReplayCommand(&tampered))
	require.ErrorIs(t, err, types.ErrDeterminismViolation)
}

func TestPrioritySkipFails(t *testing.T) {
	h := newHarness(t)

	record := &types.ReplayRecord{
		Context:               types.BlockContext{Number: 0, Timestamp: 1},
		StartingPriorityIndex: 0,
		Transactions:          []*types.Transaction{prioritytree.NewTestPriorityTx(3)},
	}
	_, err := h.executor.executeCommand(h.ctx, ReplayCommand(record))
	require.ErrorIs(t, err, types.ErrPrioritySkip)
}

func TestReplayIdempotentStores(t *testing.T) {
	h := newHarness(t)

	result, err := h.executor.executeCommand(h.ctx, ProduceCommand())
	require.NoError(t, err)

	// Re-executing the same record must not disturb any store.
	_, err = h.executor.executeCommand(h.ctx, ReplayCommand(result.Record))
	require.NoError(t, err)

	version, _ := h.state.Version()
	require.Equal(t, types.BlockNumber(0), version)
	tip, _, err := h.wal.Tip(h.ctx)
	require.NoError(t, err)
	require.Equal(t, types.BlockNumber(0), tip)
}
