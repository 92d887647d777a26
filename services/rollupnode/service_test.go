package rollupnode

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
	"github.com/zenithlabs/zenith/internal/db"
	"github.com/zenithlabs/zenith/internal/executor"
	"github.com/zenithlabs/zenith/internal/prioritytree"
	"github.com/zenithlabs/zenith/internal/types"
	"github.com/zenithlabs/zenith/internal/wal"
	"github.com/zenithlabs/zenith/services/l1sender/l1client"
)

func testNodeConfig() Config {
	cfg := DefaultConfig()
	cfg.Executor.BlockTime = 20 * time.Millisecond
	cfg.WAL.GroupCommitWindow = time.Millisecond
	cfg.Batcher.SealCheckInterval = 20 * time.Millisecond
	cfg.Batcher.Constraints.MaxBlocksCount = 5
	cfg.L1.ReceiptTimeout = time.Second
	cfg.L1.ReceiptPollInterval = 5 * time.Millisecond
	cfg.L1.TickInterval = 10 * time.Millisecond
	cfg.UseDummyProofs = true
	cfg.DummyProverInterval = 10 * time.Millisecond
	return cfg
}

type testNode struct {
	*Node
	client  *l1client.FakeClient
	cancel  context.CancelFunc
	done    chan error
	stopped bool
}

func (tn *testNode) stop(t *testing.T) {
	t.Helper()
	if tn.stopped {
		return
	}
	tn.stopped = true
	tn.cancel()
	select {
	case <-tn.done:
	case <-time.After(5 * time.Second):
		t.Fatal("node did not stop in time")
	}
}

func startNode(t *testing.T, cfg Config, database db.DB, client *l1client.FakeClient) *testNode {
	t.Helper()

	node, err := New(cfg, database, &executor.ReferenceVM{}, client)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- node.Run(ctx) }()

	tn := &testNode{Node: node, client: client, cancel: cancel, done: done}
	t.Cleanup(func() { tn.stop(t) })
	return tn
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not reached within %s: %s", timeout, msg)
}

// Scenario: five empty blocks fill one batch; with dummy proofs and the fake
// L1 the batch runs Sealed → Committed → Proven → Executed and `safe` reaches
// the batch's last block.
func TestHappyPathOneBatch(t *testing.T) {
	database, err := db.NewBadgerDbInMemory()
	require.NoError(t, err)
	t.Cleanup(database.Close)

	node := startNode(t, testNodeConfig(), database, l1client.NewFakeClient())
	ctx := context.Background()

	waitFor(t, 10*time.Second, func() bool {
		batch, err := node.Batches.GetBatch(ctx, 0)
		return err == nil && batch != nil && batch.Status == types.BatchStatusExecuted
	}, "batch 0 executed")

	batch, err := node.Batches.GetBatch(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, types.BlockNumber(0), batch.FirstBlock)
	require.Equal(t, types.BlockNumber(4), batch.LastBlock)
	require.EqualValues(t, 5, batch.BlockCount())
	require.NotEmpty(t, batch.ProverInput)
	require.NotEqual(t, types.EmptyHash, batch.CommitTxHash)
	require.NotEqual(t, types.EmptyHash, batch.ExecuteTxHash)

	tip, ok, err := node.WAL.Tip(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.GreaterOrEqual(t, tip.Uint64(), uint64(4))

	tags, err := node.Tags(ctx)
	require.NoError(t, err)
	require.NotNil(t, tags.Safe)
	require.GreaterOrEqual(t, *tags.Safe, types.BlockNumber(4))
	require.Equal(t, tags.Pending, tags.Latest)
}

// Scenario: the WAL survives a crash before any derived store was populated;
// restart replays the suffix and reproduces identical block hashes and an
// identical state root.
func TestCrashRecoveryByReplay(t *testing.T) {
	databaseA, err := db.NewBadgerDbInMemory()
	require.NoError(t, err)
	t.Cleanup(databaseA.Close)
	ctx := context.Background()

	cfg := testNodeConfig()
	nodeA := startNode(t, cfg, databaseA, l1client.NewFakeClient())

	waitFor(t, 10*time.Second, func() bool {
		tip, ok, err := nodeA.WAL.Tip(ctx)
		return err == nil && ok && tip >= 9
	}, "node A produced 10 blocks")
	nodeA.stop(t)

	tipA, _, err := nodeA.WAL.Tip(ctx)
	require.NoError(t, err)

	// Crash image: a database holding only the WAL prefix — state, receipts
	// and tree all lost (the worst allowed lag).
	databaseB, err := db.NewBadgerDbInMemory()
	require.NoError(t, err)
	t.Cleanup(databaseB.Close)

	walB, err := wal.NewStorage(databaseB, cfg.WAL)
	require.NoError(t, err)
	seedCtx, seedCancel := context.WithCancel(ctx)
	started := make(chan struct{})
	go func() { _ = walB.Run(seedCtx, started) }()
	<-started
	require.NoError(t, nodeA.WAL.Iter(ctx, 0, func(record *types.ReplayRecord) (bool, error) {
		return true, walB.Append(ctx, record)
	}))
	seedCancel()

	nodeB := startNode(t, cfg, databaseB, l1client.NewFakeClient())
	waitFor(t, 10*time.Second, func() bool {
		version, ok := nodeB.State.Version()
		return ok && version >= tipA
	}, "node B replayed the WAL")

	// Replay reproduced every stored block hash (the executor halts on any
	// mismatch, so reaching the tip is itself the determinism check), and the
	// Merkle roots agree at the crash point.
	waitFor(t, 10*time.Second, func() bool {
		latest, ok := nodeB.Tree.Latest()
		return ok && latest >= tipA
	}, "node B tree caught up")

	versionA, err := nodeA.Tree.GetVersion(ctx, tipA)
	require.NoError(t, err)
	versionB, err := nodeB.Tree.GetVersion(ctx, tipA)
	require.NoError(t, err)
	require.Equal(t, versionA.Root, versionB.Root)

	recordA, err := nodeA.WAL.Read(ctx, tipA)
	require.NoError(t, err)
	recordB, err := nodeB.WAL.Read(ctx, tipA)
	require.NoError(t, err)
	require.Equal(t, recordA.BlockHash, recordB.BlockHash)
}

// Scenario: L1 emits priority txs 0,1,2; with a per-block budget of 2 the next
// block consumes {0,1} and the following one {2}, in dense index order.
func TestPriorityInclusionOrder(t *testing.T) {
	database, err := db.NewBadgerDbInMemory()
	require.NoError(t, err)
	t.Cleanup(database.Close)
	ctx := context.Background()

	cfg := testNodeConfig()
	cfg.Executor.PriorityTxsPerBlock = 2
	// A slow block time leaves room to record all three events before the
	// first block is produced, making the {0,1} / {2} split deterministic.
	cfg.Executor.BlockTime = 300 * time.Millisecond
	client := l1client.NewFakeClient()
	node := startNode(t, cfg, database, client)

	for index := types.PriorityIndex(0); index < 3; index++ {
		emitPriorityTx(t, client, index)
	}

	waitFor(t, 5*time.Second, func() bool {
		return node.Priority.Count() == 3
	}, "all priority txs recorded")

	waitFor(t, 10*time.Second, func() bool {
		return node.Priority.NextUnconsumed() == 3
	}, "all priority txs consumed")

	// Find the blocks that consumed them and check the split.
	var consumed [][]types.PriorityIndex
	require.NoError(t, node.WAL.Iter(ctx, 0, func(record *types.ReplayRecord) (bool, error) {
		var indices []types.PriorityIndex
		for _, tx := range record.Transactions {
			if tx.IsPriority() {
				indices = append(indices, *tx.PriorityIndex)
			}
		}
		if len(indices) > 0 {
			consumed = append(consumed, indices)
		}
		return true, nil
	}))
	require.Equal(t, [][]types.PriorityIndex{{0, 1}, {2}}, consumed)
}

// Scenario: with the commit sender stalled, the bounded channels limit how far
// the WAL can run ahead of the slowest consumer.
func TestBackpressureBoundsWALGrowth(t *testing.T) {
	database, err := db.NewBadgerDbInMemory()
	require.NoError(t, err)
	t.Cleanup(database.Close)
	ctx := context.Background()

	cfg := testNodeConfig()
	cfg.Executor.BlockTime = 5 * time.Millisecond
	cfg.Batcher.Constraints.MaxBlocksCount = 1
	cfg.UseDummyProofs = false

	client := l1client.NewFakeClient()
	client.SetStalled(true)
	node := startNode(t, cfg, database, client)

	// Let the pipeline saturate, then observe that growth has stopped.
	time.Sleep(2 * time.Second)
	tipBefore, _, err := node.WAL.Tip(ctx)
	require.NoError(t, err)
	time.Sleep(time.Second)
	tipAfter, _, err := node.WAL.Tip(ctx)
	require.NoError(t, err)

	// Channel capacities plus one batch in flight bound the drift.
	bound := uint64(cfg.Executor.OutputBufferSize + cfg.Batcher.OutputBufferSize +
		int(cfg.Batcher.Constraints.MaxBlocksCount) + 4)
	require.LessOrEqual(t, tipAfter.Uint64()-tipBefore.Uint64(), bound)
}

// Scenario: an external node pulls the main node's WAL stream and ends with
// the same state root.
func TestExternalNodeReplay(t *testing.T) {
	databaseMain, err := db.NewBadgerDbInMemory()
	require.NoError(t, err)
	t.Cleanup(databaseMain.Close)
	ctx := context.Background()

	const replayEndpoint = "127.0.0.1:39684"

	cfg := testNodeConfig()
	cfg.ReplayServerEndpoint = replayEndpoint
	mainNode := startNode(t, cfg, databaseMain, l1client.NewFakeClient())

	waitFor(t, 10*time.Second, func() bool {
		tip, ok, err := mainNode.WAL.Tip(ctx)
		return err == nil && ok && tip >= 9
	}, "main node produced 10 blocks")

	databaseEN, err := db.NewBadgerDbInMemory()
	require.NoError(t, err)
	t.Cleanup(databaseEN.Close)

	enCfg := testNodeConfig()
	enCfg.UseDummyProofs = false
	enCfg.BlockReplayDownloadAddress = replayEndpoint
	en := startNode(t, enCfg, databaseEN, l1client.NewFakeClient())

	waitFor(t, 10*time.Second, func() bool {
		version, ok := en.State.Version()
		return ok && version >= 9
	}, "external node caught up")

	waitFor(t, 10*time.Second, func() bool {
		latest, ok := en.Tree.Latest()
		return ok && latest >= 9
	}, "external node tree caught up")

	mainVersion, err := mainNode.Tree.GetVersion(ctx, 9)
	require.NoError(t, err)
	enVersion, err := en.Tree.GetVersion(ctx, 9)
	require.NoError(t, err)
	require.Equal(t, mainVersion.Root, enVersion.Root)
}

// Scenario: batch statuses advance strictly in order across batches.
func TestBatchStatusOrdering(t *testing.T) {
	database, err := db.NewBadgerDbInMemory()
	require.NoError(t, err)
	t.Cleanup(database.Close)
	ctx := context.Background()

	cfg := testNodeConfig()
	cfg.Batcher.Constraints.MaxBlocksCount = 2
	node := startNode(t, cfg, database, l1client.NewFakeClient())

	waitFor(t, 10*time.Second, func() bool {
		batch, err := node.Batches.GetBatch(ctx, 2)
		return err == nil && batch != nil && batch.Status == types.BatchStatusExecuted
	}, "three batches executed")

	for index := types.BatchIndex(0); index <= 2; index++ {
		batch, err := node.Batches.GetBatch(ctx, index)
		require.NoError(t, err)
		require.Equal(t, types.BatchStatusExecuted, batch.Status, "batch %d", index)
		if index > 0 {
			previous, err := node.Batches.GetBatch(ctx, index-1)
			require.NoError(t, err)
			require.Equal(t, previous.LastBlock+1, batch.FirstBlock)
		}
	}
}

func emitPriorityTx(t *testing.T, client *l1client.FakeClient, index types.PriorityIndex) {
	t.Helper()

	tx := prioritytree.NewTestPriorityTx(index)
	data, err := prioritytree.PackPriorityEventData(tx)
	require.NoError(t, err)

	event := ethtypes.Log{
		Topics: []common.Hash{
			prioritytree.PriorityEventID,
			common.BigToHash(new(big.Int).SetUint64(uint64(index))),
		},
		Data: data,
	}

	// The watcher's subscription may still be setting up right after startup.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if err := client.EmitLog(event); err == nil {
			return
		} else if time.Now().After(deadline) {
			t.Fatalf("could not deliver priority event: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
