package rollupnode

import (
	"context"
	"errors"
	"fmt"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/zenithlabs/zenith/common/concurrent"
	"github.com/zenithlabs/zenith/common/logging"
	"github.com/zenithlabs/zenith/internal/db"
	"github.com/zenithlabs/zenith/internal/executor"
	"github.com/zenithlabs/zenith/internal/mtree"
	"github.com/zenithlabs/zenith/internal/pipeline"
	"github.com/zenithlabs/zenith/internal/prioritytree"
	"github.com/zenithlabs/zenith/internal/receipts"
	"github.com/zenithlabs/zenith/internal/state"
	"github.com/zenithlabs/zenith/internal/types"
	"github.com/zenithlabs/zenith/internal/wal"
	"github.com/zenithlabs/zenith/services/batcher"
	"github.com/zenithlabs/zenith/services/l1sender"
	"github.com/zenithlabs/zenith/services/l1sender/l1client"
	"github.com/zenithlabs/zenith/services/proverapi"
	"github.com/zenithlabs/zenith/services/replay"
	"github.com/zenithlabs/zenith/services/txnpool"
	"golang.org/x/sync/errgroup"
)

// worker is anything hosted as an independent task: interval- and
// subscription-driven services outside the block pipeline.
type worker interface {
	Name() string
	Run(ctx context.Context, started chan<- struct{}) error
}

// Node wires the full sequencer pipeline: command producer (or replay client)
// → executor → batcher → commit sender, with the WAL group committer, Merkle
// tree task, priority watcher, prove/execute senders and the API servers as
// sibling workers.
type Node struct {
	cfg      Config
	database db.DB
	vm       executor.VM
	l1       l1client.EthClient
	logger   zerolog.Logger

	WAL       *wal.Storage
	State     *state.Store
	Receipts  *receipts.Repository
	Tree      *mtree.Tree
	Priority  *prioritytree.Manager
	Pool      *txnpool.Pool
	Batches   *batcher.BatchStorage
	Executor  *executor.Executor
	treeTask  *mtree.Task
	batcher   *batcher.Batcher
	workers   []worker
	clock     clockwork.Clock
}

// New builds a node on the given database and collaborators. The VM and the
// L1 client are external: tests pass the reference VM and the in-process fake.
func New(cfg Config, database db.DB, vm executor.VM, l1 l1client.EthClient) (*Node, error) {
	logger := logging.NewLogger("rollupnode")

	walStorage, err := wal.NewStorage(database, cfg.WAL)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL: %w", err)
	}
	stateStore, err := state.NewStore(database)
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}
	tree, err := mtree.NewTree(database)
	if err != nil {
		return nil, fmt.Errorf("failed to open merkle tree: %w", err)
	}
	priority, err := prioritytree.NewManager(database)
	if err != nil {
		return nil, fmt.Errorf("failed to open priority tree: %w", err)
	}

	repo := receipts.NewRepository(database)
	batchStorage := batcher.NewBatchStorage(database)
	pool := txnpool.New(cfg.Pool, priority)
	treeTask := mtree.NewTask(tree, cfg.Executor.OutputBufferSize)
	clock := clockwork.NewRealClock()

	exec := executor.New(cfg.Executor, vm, walStorage, stateStore, repo, treeTask, priority, pool)

	node := &Node{
		cfg:      cfg,
		database: database,
		vm:       vm,
		l1:       l1,
		logger:   logger,
		WAL:      walStorage,
		State:    stateStore,
		Receipts: repo,
		Tree:     tree,
		Priority: priority,
		Pool:     pool,
		Batches:  batchStorage,
		Executor: exec,
		treeTask: treeTask,
		clock:    clock,
	}

	if !cfg.IsExternalNode() {
		node.batcher = batcher.New(cfg.Batcher, batchStorage, tree, walStorage, repo, clock)
	}
	if err := node.buildWorkers(); err != nil {
		return nil, err
	}
	return node, nil
}

func (n *Node) buildWorkers() error {
	n.workers = []worker{n.WAL, n.treeTask}

	// The priority tree manager runs on every node, main and external, so a
	// follower is always ready to take over sequencing.
	if n.l1 != nil {
		contract := ethcommon.HexToAddress(n.cfg.L1.ContractAddress)
		n.workers = append(n.workers, prioritytree.NewWatcher(n.l1, contract, n.Priority))
	}

	if n.cfg.ReplayServerEndpoint != "" {
		n.workers = append(n.workers, replay.NewServer(n.cfg.ReplayServerEndpoint, n.WAL))
	}

	if n.cfg.IsExternalNode() {
		return nil
	}

	proveSender, err := l1sender.NewProveSender(n.cfg.L1, n.l1, n.Batches)
	if err != nil {
		return err
	}
	executeSender, err := l1sender.NewExecuteSender(n.cfg.L1, n.l1, n.Batches, n.Priority)
	if err != nil {
		return err
	}
	n.workers = append(n.workers, proveSender, executeSender)

	if n.cfg.ProverAPIEndpoint != "" {
		n.workers = append(n.workers, proverapi.NewServer(n.cfg.ProverAPIEndpoint, n.Batches))
	}
	if n.cfg.UseDummyProofs {
		n.workers = append(n.workers, proverapi.NewDummyProver(n.Batches, n.cfg.DummyProverInterval))
	}
	return nil
}

// Run blocks until the context is canceled or a component fails fatally. The
// shared cancellation fans out to every component; each drains the message in
// hand and flushes durable state before exiting.
func (n *Node) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var functions []concurrent.Func
	for _, w := range n.workers {
		functions = append(functions, func(ctx context.Context) error {
			started := make(chan struct{})
			errCh := make(chan error, 1)
			go func() { errCh <- w.Run(ctx, started) }()

			select {
			case <-started:
			case err := <-errCh:
				// Failed before startup completed.
				n.logger.Error().Err(err).Str(logging.FieldWorker, w.Name()).Msg("worker failed to start")
				return err
			}

			err := <-errCh
			if err != nil && ctx.Err() == nil {
				n.logger.Error().Err(err).Str(logging.FieldWorker, w.Name()).Msg("worker failed")
				return err
			}
			return nil
		})
	}
	functions = append(functions, n.runPipeline)

	return concurrent.Run(ctx, functions...)
}

// runPipeline assembles and spawns the block pipeline for this node's mode.
func (n *Node) runPipeline(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	if n.cfg.IsExternalNode() {
		client := replay.NewClient(n.cfg.BlockReplayDownloadAddress, n.State, n.cfg.ReplayPollInterval)
		results := pipeline.Pipe(pipeline.Pipe(pipeline.New(), client), n.Executor)
		drain(gCtx, g, results)
		results.Spawn(gCtx, g)
		return g.Wait()
	}

	producer := executor.NewCommandProducer(n.WAL, n.State, n.cfg.Executor.BlockTime)
	commitSender, err := l1sender.NewCommitSender(n.cfg.L1, n.l1, n.Batches)
	if err != nil {
		return err
	}

	terminal := pipeline.Pipe(
		pipeline.Pipe(
			pipeline.Pipe(
				pipeline.Pipe(pipeline.New(), producer),
				n.Executor,
			),
			n.batcher,
		),
		l1sender.NewCommitComponent(commitSender),
	)
	drain(gCtx, g, terminal)
	terminal.Spawn(gCtx, g)
	return g.Wait()
}

// drain consumes a pipeline's terminal stream so the last component is never
// blocked on an unread output channel.
func drain[T any](ctx context.Context, g *errgroup.Group, p *pipeline.Pipeline[T]) {
	receiver := p.Receiver()
	g.Go(func() error {
		for {
			if _, err := receiver.Recv(ctx); err != nil {
				if errors.Is(err, pipeline.ErrClosed) || errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			}
		}
	})
}

// SubmitTransaction adds a user transaction to the mempool.
func (n *Node) SubmitTransaction(ctx context.Context, tx *types.Transaction) (txnpool.DiscardReason, error) {
	reasons, err := n.Pool.Add(ctx, tx)
	if err != nil {
		return txnpool.NotSet, err
	}
	return reasons[0], nil
}

// Tags resolves the current block tags for the API surface.
func (n *Node) Tags(ctx context.Context) (BlockTags, error) {
	return ComputeTags(ctx, n.WAL, n.Batches)
}
