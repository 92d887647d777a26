package mtree

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/zenithlabs/zenith/internal/db"
	"github.com/zenithlabs/zenith/internal/types"
)

// Witness proves the value of one state key against the root of a specific
// tree version. A zero Value attests to absence.
type Witness struct {
	Key      common.Hash         `json:"key"`
	Value    common.Hash         `json:"value"`
	Siblings [Depth]common.Hash  `json:"siblings"`
	Height   types.BlockNumber   `json:"height"`
}

// Prove generates witnesses for the given keys against a persisted version.
// Returns ErrNotReadyYet when the tree lags behind the requested height.
func (t *Tree) Prove(
	ctx context.Context,
	height types.BlockNumber,
	keys []common.Hash,
) ([]*Witness, error) {
	t.mu.RLock()
	ready := t.latest >= int64(height.Uint64())
	t.mu.RUnlock()
	if !ready {
		return nil, fmt.Errorf("%w: height=%d", ErrNotReadyYet, height)
	}

	tx, err := t.database.CreateRoTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	version, err := db.GetJSON[Version](tx, db.TreeVersionTable, height.Bytes())
	if errors.Is(err, db.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: height=%d", ErrNotReadyYet, height)
	}
	if err != nil {
		return nil, err
	}

	witnesses := make([]*Witness, len(keys))
	for i, key := range keys {
		witness := &Witness{Key: key, Height: height}

		node := version.Root
		for depth := 0; depth < Depth; depth++ {
			left, right, err := loadChildren(tx, node, Depth-depth)
			if err != nil {
				return nil, err
			}
			if keyBit(key, depth) == 0 {
				witness.Siblings[depth] = right
				node = left
			} else {
				witness.Siblings[depth] = left
				node = right
			}
		}

		leafKey, leafValue, err := loadLeaf(tx, node)
		if err != nil {
			return nil, err
		}
		if node != emptyHashes[0] && leafKey != key {
			return nil, fmt.Errorf("tree leaf key mismatch: walked to %s for key %s", leafKey, key)
		}
		witness.Value = leafValue
		witnesses[i] = witness
	}
	return witnesses, nil
}

// Verify recomputes the root from the witness; used by tests and by the prover
// input builder as a self-check before publishing.
func (w *Witness) Verify(root common.Hash) bool {
	node := hashLeaf(w.Key, w.Value)
	for depth := Depth - 1; depth >= 0; depth-- {
		if keyBit(w.Key, depth) == 0 {
			node = hashPairOrEmpty(node, w.Siblings[depth], Depth-depth)
		} else {
			node = hashPairOrEmpty(w.Siblings[depth], node, Depth-depth)
		}
	}
	return node == root
}

func hashPairOrEmpty(left, right common.Hash, height int) common.Hash {
	if left == emptyHashes[height-1] && right == emptyHashes[height-1] {
		return emptyHashes[height]
	}
	return hashPair(left, right)
}

// WaitFor blocks until the tree has persisted the requested height, polling at
// a small interval. The caller bounds the wait through the context; on timeout
// the last ErrNotReadyYet is returned.
func (t *Tree) WaitFor(ctx context.Context, height types.BlockNumber) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if latest, ok := t.Latest(); ok && latest >= height {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: height=%d", ErrNotReadyYet, height)
		case <-ticker.C:
		}
	}
}
