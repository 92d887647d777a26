package txnpool

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/zenithlabs/zenith/common/logging"
	"github.com/zenithlabs/zenith/internal/types"
)

type DiscardReason uint8

const (
	NotSet DiscardReason = iota
	DuplicateHash
	NonceTooLow
	PoolOverflow
	NotUserTx
)

type Config struct {
	// Capacity bounds the number of pending user transactions.
	Capacity int `yaml:"capacity,omitempty"`
}

func DefaultConfig() Config {
	return Config{Capacity: 10_000}
}

// PriorityFeed is the slice of the priority tree manager the pool draws from:
// unconsumed L1 priority transactions in strict index order.
type PriorityFeed interface {
	Peek(ctx context.Context, limit int) ([]*types.Transaction, error)
	NextUnconsumed() types.PriorityIndex
}

// Pool is the ordered source of candidate transactions for block production.
// Priority transactions come first, drawn from the feed in dense index order
// up to the block's priority budget; user transactions follow in per-sender
// nonce order.
type Pool struct {
	cfg  Config
	feed PriorityFeed

	lock     sync.Mutex
	byHash   map[common.Hash]*types.Transaction
	bySender map[common.Address][]*types.Transaction // sorted by nonce
	queue    []*types.Transaction                    // arrival order
	logger   zerolog.Logger
}

func New(cfg Config, feed PriorityFeed) *Pool {
	return &Pool{
		cfg:      cfg,
		feed:     feed,
		byHash:   make(map[common.Hash]*types.Transaction),
		bySender: make(map[common.Address][]*types.Transaction),
		logger:   logging.NewLogger("txnpool"),
	}
}

// Add inserts user transactions, reporting a discard reason per entry.
func (p *Pool) Add(ctx context.Context, txs ...*types.Transaction) ([]DiscardReason, error) {
	reasons := make([]DiscardReason, len(txs))

	p.lock.Lock()
	defer p.lock.Unlock()

	for i, tx := range txs {
		if tx.Kind != types.TxKindUser {
			reasons[i] = NotUserTx
			continue
		}
		if _, ok := p.byHash[tx.Hash()]; ok {
			reasons[i] = DuplicateHash
			continue
		}
		if len(p.byHash) >= p.cfg.Capacity {
			reasons[i] = PoolOverflow
			continue
		}
		if reason := p.addLocked(tx); reason != NotSet {
			reasons[i] = reason
			continue
		}
		p.logger.Debug().
			Stringer(logging.FieldTxHash, tx.Hash()).
			Msg("added new transaction")
	}
	return reasons, nil
}

func (p *Pool) addLocked(tx *types.Transaction) DiscardReason {
	pending := p.bySender[tx.From]
	for _, existing := range pending {
		if existing.Nonce == tx.Nonce {
			return NonceTooLow
		}
	}

	insertAt := len(pending)
	for i, existing := range pending {
		if tx.Nonce < existing.Nonce {
			insertAt = i
			break
		}
	}
	pending = append(pending, nil)
	copy(pending[insertAt+1:], pending[insertAt:])
	pending[insertAt] = tx
	p.bySender[tx.From] = pending

	p.byHash[tx.Hash()] = tx
	p.queue = append(p.queue, tx)
	return NotSet
}

// PopCandidates returns up to priorityBudget priority transactions followed by
// user transactions, bounded by limit in total. Nothing is removed: eviction
// happens on OnCommitted once the block reaches the WAL.
func (p *Pool) PopCandidates(
	ctx context.Context,
	limit int,
	priorityBudget int,
) (priorityTxs []*types.Transaction, userTxs []*types.Transaction, err error) {
	if priorityBudget > limit {
		priorityBudget = limit
	}
	priorityTxs, err = p.feed.Peek(ctx, priorityBudget)
	if err != nil {
		return nil, nil, err
	}

	p.lock.Lock()
	defer p.lock.Unlock()

	remaining := limit - len(priorityTxs)
	seenSender := make(map[common.Address]uint64)
	selected := make(map[*types.Transaction]bool)
	// A tx may arrive before its same-sender predecessor, so the queue is
	// rescanned until a pass selects nothing more.
	for progress := true; progress && remaining > 0; {
		progress = false
		for _, tx := range p.queue {
			if remaining == 0 {
				break
			}
			if selected[tx] {
				continue
			}
			// Keep per-sender nonce order: skip a tx whose predecessor nonce from
			// the same sender has not been selected.
			if nextNonce, ok := seenSender[tx.From]; ok && tx.Nonce != nextNonce {
				continue
			}
			if _, ok := seenSender[tx.From]; !ok {
				lowest := p.bySender[tx.From][0]
				if tx.Nonce != lowest.Nonce {
					continue
				}
			}
			userTxs = append(userTxs, tx)
			selected[tx] = true
			seenSender[tx.From] = tx.Nonce + 1
			remaining--
			progress = true
		}
	}
	return priorityTxs, userTxs, nil
}

// OnCommitted evicts transactions included in a block that has reached the WAL.
func (p *Pool) OnCommitted(ctx context.Context, committed []*types.Transaction) error {
	p.lock.Lock()
	defer p.lock.Unlock()

	for _, tx := range committed {
		if tx.Kind != types.TxKindUser {
			continue
		}
		hash := tx.Hash()
		if _, ok := p.byHash[hash]; !ok {
			continue
		}
		delete(p.byHash, hash)

		pending := p.bySender[tx.From]
		for i, existing := range pending {
			if existing.Hash() == hash {
				p.bySender[tx.From] = append(pending[:i], pending[i+1:]...)
				break
			}
		}
		if len(p.bySender[tx.From]) == 0 {
			delete(p.bySender, tx.From)
		}
		for i, existing := range p.queue {
			if existing.Hash() == hash {
				p.queue = append(p.queue[:i], p.queue[i+1:]...)
				break
			}
		}
	}
	return nil
}

// Known reports whether the pool currently holds the given transaction.
func (p *Pool) Known(hash common.Hash) bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	_, ok := p.byHash[hash]
	return ok
}

// Count returns the number of pending user transactions.
func (p *Pool) Count() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return len(p.byHash)
}
