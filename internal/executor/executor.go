package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/zenithlabs/zenith/common/logging"
	"github.com/zenithlabs/zenith/internal/mtree"
	"github.com/zenithlabs/zenith/internal/pipeline"
	"github.com/zenithlabs/zenith/internal/prioritytree"
	"github.com/zenithlabs/zenith/internal/receipts"
	"github.com/zenithlabs/zenith/internal/state"
	"github.com/zenithlabs/zenith/internal/types"
	"github.com/zenithlabs/zenith/internal/wal"
	"github.com/zenithlabs/zenith/services/txnpool"
)

type Config struct {
	BlockTime           time.Duration `yaml:"blockTime,omitempty"`
	MaxTxsPerBlock      int           `yaml:"maxTxsPerBlock,omitempty"`
	PriorityTxsPerBlock int           `yaml:"priorityTxsPerBlock,omitempty"`
	BlockGasLimit       uint64        `yaml:"blockGasLimit,omitempty"`
	BaseFee             uint64        `yaml:"baseFee,omitempty"`
	NodeVersion         string        `yaml:"nodeVersion,omitempty"`

	// MaxBlocksToProduce stops block production after this many Produce
	// commands; 0 means unlimited. Replay commands are unaffected.
	MaxBlocksToProduce uint64 `yaml:"maxBlocksToProduce,omitempty"`

	OutputBufferSize int `yaml:"outputBufferSize,omitempty"`
}

func DefaultConfig() Config {
	return Config{
		BlockTime:           time.Second,
		MaxTxsPerBlock:      100,
		PriorityTxsPerBlock: 16,
		BlockGasLimit:       30_000_000,
		BaseFee:             10,
		NodeVersion:         "0.1.0",
		OutputBufferSize:    5,
	}
}

// BlockResult is the executor's downstream unit: the executed block together
// with its replay record and raw execution outputs.
type BlockResult struct {
	Block     *types.Block
	Record    *types.ReplayRecord
	StateDiff types.StateDiff
}

// Executor is the uniform handler for produce and replay commands. For either
// case it builds the block context, resolves the transaction source, invokes
// the VM and distributes outputs: WAL append, state apply, receipts, Merkle
// update, downstream publish — in that order, acknowledging backpressure
// before pulling the next command.
type Executor struct {
	cfg       Config
	vm        VM
	wal       *wal.Storage
	state     *state.Store
	receipts  *receipts.Repository
	treeTask  *mtree.Task
	priority  *prioritytree.Manager
	pool      *txnpool.Pool
	logger    zerolog.Logger
	lastBlock lastBlockInfo

	producedBlocks uint64
}

type lastBlockInfo struct {
	hash      common.Hash
	timestamp uint64
}

func New(
	cfg Config,
	vm VM,
	walStorage *wal.Storage,
	stateStore *state.Store,
	receiptRepo *receipts.Repository,
	treeTask *mtree.Task,
	priority *prioritytree.Manager,
	pool *txnpool.Pool,
) *Executor {
	return &Executor{
		cfg:      cfg,
		vm:       vm,
		wal:      walStorage,
		state:    stateStore,
		receipts: receiptRepo,
		treeTask: treeTask,
		priority: priority,
		pool:     pool,
		logger:   logging.NewLogger("executor"),
	}
}

func (e *Executor) Name() string          { return "executor" }
func (e *Executor) OutputBufferSize() int { return e.cfg.OutputBufferSize }

func (e *Executor) Run(
	ctx context.Context,
	input *pipeline.PeekableReceiver[BlockCommand],
	output chan<- BlockResult,
) error {
	stateHandle := pipeline.GlobalReporter().HandleFor("executor", "waiting_for_command")

	if err := e.recoverLastBlock(ctx); err != nil {
		return err
	}

	for {
		stateHandle.Enter("waiting_for_command")
		cmd, err := input.Recv(ctx)
		if err != nil {
			return err
		}

		if cmd.Kind == CommandProduce && e.cfg.MaxBlocksToProduce > 0 &&
			e.producedBlocks >= e.cfg.MaxBlocksToProduce {
			e.logger.Warn().
				Uint64("limit", e.cfg.MaxBlocksToProduce).
				Msg("block production limit reached, parking")
			stateHandle.Enter("block_limit_reached")
			<-ctx.Done()
			return ctx.Err()
		}

		stateHandle.Enter("executing")
		result, err := e.executeCommand(ctx, cmd)
		if err != nil {
			return err
		}
		if result == nil {
			continue
		}
		if cmd.Kind == CommandProduce {
			e.producedBlocks++
		}

		stateHandle.Enter("waiting_send")
		if err := pipeline.Send(ctx, output, *result); err != nil {
			return err
		}
	}
}

// recoverLastBlock restores the parent link from the WAL tip so the first
// produced block after restart chains correctly.
func (e *Executor) recoverLastBlock(ctx context.Context) error {
	tip, ok, err := e.wal.Tip(ctx)
	if err != nil || !ok {
		return err
	}
	record, err := e.wal.Read(ctx, tip)
	if err != nil {
		return err
	}
	e.lastBlock = lastBlockInfo{hash: record.BlockHash, timestamp: record.Context.Timestamp}
	return nil
}

func (e *Executor) executeCommand(ctx context.Context, cmd BlockCommand) (*BlockResult, error) {
	prepared, err := e.prepare(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if prepared == nil {
		return nil, nil
	}
	number := prepared.context.Number

	e.logger.Info().
		Stringer(logging.FieldBlockNumber, number).
		Int("txs", len(prepared.transactions)).
		Msgf("starting command: %s", cmd)

	parentView, err := e.parentView(number)
	if err != nil {
		return nil, err
	}

	execution, err := e.vm.Execute(ctx, prepared.context, parentView, prepared.transactions)
	if err != nil {
		return nil, fmt.Errorf("VM execution of block %d failed: %w", number, err)
	}

	block := buildBlock(prepared, execution)
	blockHash := block.Hash()
	if prepared.expectedBlockHash != nil && blockHash != *prepared.expectedBlockHash {
		return nil, fmt.Errorf("%w: block=%d, expected=%s, got=%s",
			types.ErrDeterminismViolation, number, prepared.expectedBlockHash, blockHash)
	}
	for _, receipt := range execution.Receipts {
		receipt.BlockHash = blockHash
	}

	record := &types.ReplayRecord{
		Context:               prepared.context,
		StartingPriorityIndex: prepared.startingPriorityIndex,
		Transactions:          prepared.transactions,
		NodeVersion:           e.cfg.NodeVersion,
		BlockHash:             blockHash,
	}

	// Durable before acknowledged downstream.
	if err := e.wal.Append(ctx, record); err != nil {
		return nil, err
	}
	if err := e.state.Apply(ctx, number, execution.StateDiff, execution.Preimages); err != nil {
		return nil, err
	}
	if err := e.receipts.PutBlock(ctx, number, execution.Receipts); err != nil {
		return nil, err
	}
	if err := e.receipts.PutBlockDiff(ctx, number, execution.StateDiff); err != nil {
		return nil, err
	}
	// The tree persists asynchronously and may lag; the batcher waits on it
	// only at seal time.
	if err := e.treeTask.Enqueue(ctx, mtree.Update{Height: number, Updates: execution.StateDiff}); err != nil {
		return nil, err
	}

	consumedUpTo := prepared.startingPriorityIndex + types.PriorityIndex(countPriority(prepared.transactions))
	if err := e.priority.MarkConsumed(ctx, consumedUpTo); err != nil {
		return nil, err
	}
	if e.pool != nil {
		if err := e.pool.OnCommitted(ctx, prepared.transactions); err != nil {
			e.logger.Warn().Err(err).Msg("failed to evict committed transactions from pool")
		}
	}

	e.lastBlock = lastBlockInfo{hash: blockHash, timestamp: prepared.context.Timestamp}
	e.logger.Info().
		Stringer(logging.FieldBlockNumber, number).
		Stringer(logging.FieldBlockHash, blockHash).
		Uint64("gasUsed", block.GasUsed).
		Msg("block processed")

	return &BlockResult{Block: block, Record: record, StateDiff: execution.StateDiff}, nil
}

func (e *Executor) parentView(number types.BlockNumber) (*state.View, error) {
	if number == 0 {
		return e.state.View(0)
	}
	return e.state.View(number - 1)
}

func buildBlock(prepared *preparedCommand, execution *ExecutionResult) *types.Block {
	return &types.Block{
		Context:         prepared.context,
		TxHashes:        types.TxHashes(prepared.transactions),
		GasUsed:         execution.GasUsed,
		StateDiffDigest: execution.StateDiff.Digest(),
		Receipts:        execution.Receipts,
	}
}

func countPriority(txs []*types.Transaction) int {
	n := 0
	for _, tx := range txs {
		if tx.IsPriority() {
			n++
		}
	}
	return n
}

// prepare resolves the command's block context and transaction source.
func (e *Executor) prepare(ctx context.Context, cmd BlockCommand) (*preparedCommand, error) {
	switch cmd.Kind {
	case CommandReplay:
		return e.prepareReplay(cmd.Record)
	case CommandProduce:
		return e.prepareProduce(ctx)
	default:
		return nil, fmt.Errorf("unknown block command kind %d", cmd.Kind)
	}
}

func (e *Executor) prepareReplay(record *types.ReplayRecord) (*preparedCommand, error) {
	if err := checkPriorityContiguity(record.Transactions, record.StartingPriorityIndex); err != nil {
		return nil, err
	}
	expected := record.BlockHash
	return &preparedCommand{
		context:               record.Context,
		transactions:          record.Transactions,
		startingPriorityIndex: record.StartingPriorityIndex,
		expectedBlockHash:     &expected,
	}, nil
}

func (e *Executor) prepareProduce(ctx context.Context) (*preparedCommand, error) {
	next := types.BlockNumber(0)
	if version, ok := e.state.Version(); ok {
		next = version + 1
	}

	starting := e.priority.NextUnconsumed()
	priorityTxs, userTxs, err := e.pool.PopCandidates(ctx, e.cfg.MaxTxsPerBlock, e.cfg.PriorityTxsPerBlock)
	if err != nil {
		return nil, err
	}
	txs := append(append([]*types.Transaction{}, priorityTxs...), userTxs...)
	if err := checkPriorityContiguity(txs, starting); err != nil {
		return nil, err
	}

	timestamp := uint64(time.Now().Unix())
	if timestamp <= e.lastBlock.timestamp {
		timestamp = e.lastBlock.timestamp + 1
	}

	return &preparedCommand{
		context: types.BlockContext{
			Number:                 next,
			ParentHash:             e.lastBlock.hash,
			Timestamp:              timestamp,
			PreviousBlockTimestamp: e.lastBlock.timestamp,
			GasLimit:               e.cfg.BlockGasLimit,
			BaseFee:                e.cfg.BaseFee,
		},
		transactions:          txs,
		startingPriorityIndex: starting,
	}, nil
}

// checkPriorityContiguity enforces that priority transactions are placed first
// and their indices form a contiguous range beginning at starting.
func checkPriorityContiguity(txs []*types.Transaction, starting types.PriorityIndex) error {
	expected := starting
	seenUser := false
	for _, tx := range txs {
		if !tx.IsPriority() {
			seenUser = true
			continue
		}
		if seenUser {
			return fmt.Errorf("%w: priority tx after user txs", types.ErrPrioritySkip)
		}
		if tx.PriorityIndex == nil || *tx.PriorityIndex != expected {
			return fmt.Errorf("%w: expected index %d, got %v",
				types.ErrPrioritySkip, expected, tx.PriorityIndex)
		}
		expected++
	}
	return nil
}
