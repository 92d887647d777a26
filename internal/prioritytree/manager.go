package prioritytree

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/zenithlabs/zenith/common/logging"
	"github.com/zenithlabs/zenith/internal/db"
	"github.com/zenithlabs/zenith/internal/types"
)

var (
	countKey          = []byte("count")
	nextUnconsumedKey = []byte("next_unconsumed")
)

// ErrIndexGap is returned when an L1 event arrives out of dense index order.
// This is a logical contract violation and halts the watcher.
var ErrIndexGap = errors.New("priority transaction index gap")

// Manager maintains the dense sequence of L1-originated priority transactions
// and the append-only Merkle tree over their hashes. It runs on every node,
// main and external, to preserve failover readiness.
type Manager struct {
	database db.DB
	logger   zerolog.Logger

	mu             sync.RWMutex
	count          uint64
	nextUnconsumed types.PriorityIndex
	leaves         []common.Hash
}

func NewManager(database db.DB) (*Manager, error) {
	m := &Manager{
		database: database,
		logger:   logging.NewLogger("priority_tree"),
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) load() error {
	tx, err := m.database.CreateRoTx(context.Background())
	if err != nil {
		return err
	}
	defer tx.Rollback()

	count, err := tx.Get(db.PriorityTreeMetaTable, countKey)
	if err != nil && !errors.Is(err, db.ErrKeyNotFound) {
		return err
	}
	if count != nil {
		m.count = uint64(types.BytesToPriorityIndex(count))
	}

	next, err := tx.Get(db.PriorityTreeMetaTable, nextUnconsumedKey)
	if err != nil && !errors.Is(err, db.ErrKeyNotFound) {
		return err
	}
	if next != nil {
		m.nextUnconsumed = types.BytesToPriorityIndex(next)
	}

	m.leaves = make([]common.Hash, 0, m.count)
	for index := uint64(0); index < m.count; index++ {
		entry, err := db.GetJSON[types.Transaction](tx, db.PriorityTxTable, types.PriorityIndex(index).Bytes())
		if err != nil {
			return fmt.Errorf("priority tx %d missing below count %d: %w", index, m.count, err)
		}
		m.leaves = append(m.leaves, entry.Hash())
	}
	return nil
}

// Append records the next priority transaction. The index must equal the
// current leaf count: gaps are fatal.
func (m *Manager) Append(ctx context.Context, index types.PriorityIndex, tx *types.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if uint64(index) < m.count {
		m.logger.Debug().
			Stringer(logging.FieldPriorityIndex, index).
			Msg("priority tx already recorded, skipping")
		return nil
	}
	if uint64(index) != m.count {
		return fmt.Errorf("%w: count=%d, appended=%d", ErrIndexGap, m.count, index)
	}

	rwTx, err := m.database.CreateRwTx(ctx)
	if err != nil {
		return err
	}
	defer rwTx.Rollback()

	if err := db.PutJSON(rwTx, db.PriorityTxTable, index.Bytes(), tx); err != nil {
		return err
	}
	newCount := types.PriorityIndex(m.count + 1)
	if err := rwTx.Put(db.PriorityTreeMetaTable, countKey, newCount.Bytes()); err != nil {
		return err
	}
	if err := rwTx.Commit(); err != nil {
		return err
	}

	m.count++
	m.leaves = append(m.leaves, tx.Hash())
	m.logger.Info().
		Stringer(logging.FieldPriorityIndex, index).
		Stringer(logging.FieldTxHash, tx.Hash()).
		Msg("priority tx recorded")
	return nil
}

// NextUnconsumed returns the first priority index not yet consumed by a block.
func (m *Manager) NextUnconsumed() types.PriorityIndex {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nextUnconsumed
}

// Count returns the number of recorded priority transactions.
func (m *Manager) Count() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.count
}

// Peek returns up to limit unconsumed priority transactions in index order.
func (m *Manager) Peek(ctx context.Context, limit int) ([]*types.Transaction, error) {
	m.mu.RLock()
	from := uint64(m.nextUnconsumed)
	to := min(m.count, from+uint64(limit))
	m.mu.RUnlock()

	if from >= to {
		return nil, nil
	}

	tx, err := m.database.CreateRoTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	txs := make([]*types.Transaction, 0, to-from)
	for index := from; index < to; index++ {
		entry, err := db.GetJSON[types.Transaction](tx, db.PriorityTxTable, types.PriorityIndex(index).Bytes())
		if err != nil {
			return nil, err
		}
		txs = append(txs, entry)
	}
	return txs, nil
}

// MarkConsumed advances the consumption cursor to upTo (exclusive). Strict
// order: retreating is a no-op, jumping past the recorded count is an error.
func (m *Manager) MarkConsumed(ctx context.Context, upTo types.PriorityIndex) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if upTo <= m.nextUnconsumed {
		return nil
	}
	if uint64(upTo) > m.count {
		return fmt.Errorf("%w: cannot consume up to %d with only %d recorded", ErrIndexGap, upTo, m.count)
	}

	rwTx, err := m.database.CreateRwTx(ctx)
	if err != nil {
		return err
	}
	defer rwTx.Rollback()

	if err := rwTx.Put(db.PriorityTreeMetaTable, nextUnconsumedKey, upTo.Bytes()); err != nil {
		return err
	}
	if err := rwTx.Commit(); err != nil {
		return err
	}

	m.nextUnconsumed = upTo
	return nil
}

// CurrentRoot returns the Merkle root over all recorded priority tx hashes.
func (m *Manager) CurrentRoot() common.Hash {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return merkleRoot(m.leaves)
}

// InclusionProof builds a proof for the contiguous range [from, to) against
// the current tree.
func (m *Manager) InclusionProof(from, to types.PriorityIndex) (*RangeProof, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return proveRange(m.leaves, from, to)
}
