package mtree

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/iden3/go-iden3-crypto/poseidon"
	"github.com/rs/zerolog"
	"github.com/zenithlabs/zenith/common/logging"
	"github.com/zenithlabs/zenith/internal/db"
	"github.com/zenithlabs/zenith/internal/types"
)

// Depth is the number of key bits; one version of the tree commits to the full
// 32-byte storage key space.
const Depth = 256

var (
	// ErrNotReadyYet is returned when a proof is requested for a height the
	// tree task has not yet persisted. The tree intentionally lags the state
	// store; callers either wait (bounded) or propagate this error.
	ErrNotReadyYet = errors.New("merkle tree has not reached the requested height yet")

	ErrVersionGap = errors.New("merkle tree versions must extend the latest one")
)

const (
	nodeTagInternal byte = 0x01
	nodeTagLeaf     byte = 0x02
)

// emptyHashes[i] is the hash of an empty subtree of height i;
// emptyHashes[0] is the empty leaf.
var emptyHashes = func() [Depth + 1]common.Hash {
	var hashes [Depth + 1]common.Hash
	for i := 1; i <= Depth; i++ {
		hashes[i] = hashPair(hashes[i-1], hashes[i-1])
	}
	return hashes
}()

func hashPair(left, right common.Hash) common.Hash {
	return common.BytesToHash(poseidon.Sum(append(left.Bytes(), right.Bytes()...)))
}

func hashLeaf(key, value common.Hash) common.Hash {
	if value == types.EmptyHash {
		return emptyHashes[0]
	}
	return common.BytesToHash(poseidon.Sum(append(key.Bytes(), value.Bytes()...)))
}

// EmptyRoot is the root of a tree with no leaves.
func EmptyRoot() common.Hash { return emptyHashes[Depth] }

func keyBit(key common.Hash, depth int) int {
	return int(key[depth/8]>>(7-depth%8)) & 1
}

// Version is the persisted record of one tree version; one per block height.
type Version struct {
	Root      common.Hash `json:"root"`
	LeafCount uint64      `json:"leafCount"`
}

// Tree is a persistent versioned sparse Merkle tree over state keys. Nodes are
// content-addressed, so every version stays provable after later extends.
// Updates within one extend are applied in canonical key order to make roots
// deterministic.
type Tree struct {
	database db.DB
	logger   zerolog.Logger

	mu     sync.RWMutex
	latest int64 // -1 until version 0 is persisted
}

func NewTree(database db.DB) (*Tree, error) {
	t := &Tree{
		database: database,
		logger:   logging.NewLogger("mtree"),
		latest:   -1,
	}

	tx, err := database.CreateRoTx(context.Background())
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// Versions are written in height order; scan for the highest one.
	iter, err := tx.Range(db.TreeVersionTable, nil, nil)
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	for iter.HasNext() {
		key, _, err := iter.Next()
		if err != nil {
			return nil, err
		}
		height := int64(types.BytesToBlockNumber(key).Uint64())
		if height > t.latest {
			t.latest = height
		}
	}
	return t, nil
}

// Latest returns the highest persisted version, or false if none exists.
func (t *Tree) Latest() (types.BlockNumber, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.latest < 0 {
		return 0, false
	}
	return types.BlockNumber(t.latest), true
}

// GetVersion reads a persisted version record.
func (t *Tree) GetVersion(ctx context.Context, height types.BlockNumber) (*Version, error) {
	tx, err := t.database.CreateRoTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	version, err := db.GetJSON[Version](tx, db.TreeVersionTable, height.Bytes())
	if errors.Is(err, db.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: height=%d", ErrNotReadyYet, height)
	}
	return version, err
}

// Extend atomically produces version height from version height-1 by applying
// the block's leaf updates. Idempotent: extending to an already-persisted
// height returns its stored root.
func (t *Tree) Extend(
	ctx context.Context,
	height types.BlockNumber,
	updates types.StateDiff,
) (common.Hash, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if int64(height.Uint64()) <= t.latest {
		version, err := t.GetVersion(ctx, height)
		if err != nil {
			return types.EmptyHash, err
		}
		return version.Root, nil
	}
	if int64(height.Uint64()) != t.latest+1 {
		return types.EmptyHash, fmt.Errorf("%w: latest=%d, extended=%d", ErrVersionGap, t.latest, height)
	}

	tx, err := t.database.CreateRwTx(ctx)
	if err != nil {
		return types.EmptyHash, err
	}
	defer tx.Rollback()

	root := EmptyRoot()
	leafCount := uint64(0)
	if t.latest >= 0 {
		parent, err := db.GetJSON[Version](tx, db.TreeVersionTable, types.BlockNumber(t.latest).Bytes())
		if err != nil {
			return types.EmptyHash, err
		}
		root = parent.Root
		leafCount = parent.LeafCount
	}

	writer := &nodeWriter{tx: tx}
	for _, key := range updates.SortedKeys() {
		var added bool
		root, added, err = writer.set(root, Depth, 0, key, updates[key])
		if err != nil {
			return types.EmptyHash, err
		}
		if added {
			leafCount++
		}
	}

	version := Version{Root: root, LeafCount: leafCount}
	if err := db.PutJSON(tx, db.TreeVersionTable, height.Bytes(), &version); err != nil {
		return types.EmptyHash, err
	}
	if err := tx.Commit(); err != nil {
		return types.EmptyHash, err
	}

	t.latest = int64(height.Uint64())
	t.logger.Debug().
		Stringer(logging.FieldBlockNumber, height).
		Stringer(logging.FieldStateRoot, root).
		Msg("tree extended")
	return root, nil
}

type nodeWriter struct {
	tx db.RwTx
}

func (w *nodeWriter) store(hash common.Hash, tag byte, a, b common.Hash) error {
	value := make([]byte, 0, 65)
	value = append(value, tag)
	value = append(value, a.Bytes()...)
	value = append(value, b.Bytes()...)
	return w.tx.Put(db.TreeNodeTable, hash.Bytes(), value)
}

// set descends from node (an empty or stored subtree root of the given height)
// along the key path, replaces the leaf, and rebuilds the path bottom-up.
// Returns the new subtree root and whether a previously-empty leaf was filled.
func (w *nodeWriter) set(
	node common.Hash,
	height int,
	depth int,
	key common.Hash,
	value common.Hash,
) (common.Hash, bool, error) {
	if height == 0 {
		existed := node != emptyHashes[0]
		leaf := hashLeaf(key, value)
		if leaf != emptyHashes[0] {
			if err := w.store(leaf, nodeTagLeaf, key, value); err != nil {
				return types.EmptyHash, false, err
			}
		}
		return leaf, !existed && leaf != emptyHashes[0], nil
	}

	left, right, err := loadChildren(w.tx, node, height)
	if err != nil {
		return types.EmptyHash, false, err
	}

	var added bool
	if keyBit(key, depth) == 0 {
		left, added, err = w.set(left, height-1, depth+1, key, value)
	} else {
		right, added, err = w.set(right, height-1, depth+1, key, value)
	}
	if err != nil {
		return types.EmptyHash, false, err
	}

	if left == emptyHashes[height-1] && right == emptyHashes[height-1] {
		return emptyHashes[height], added, nil
	}

	parent := hashPair(left, right)
	if err := w.store(parent, nodeTagInternal, left, right); err != nil {
		return types.EmptyHash, false, err
	}
	return parent, added, nil
}

func loadChildren(tx db.RoTx, node common.Hash, height int) (common.Hash, common.Hash, error) {
	if node == emptyHashes[height] {
		return emptyHashes[height-1], emptyHashes[height-1], nil
	}

	value, err := tx.Get(db.TreeNodeTable, node.Bytes())
	if err != nil {
		return types.EmptyHash, types.EmptyHash, fmt.Errorf("missing tree node %s: %w", node, err)
	}
	if len(value) != 65 || value[0] != nodeTagInternal {
		return types.EmptyHash, types.EmptyHash, fmt.Errorf("malformed tree node %s", node)
	}
	return common.BytesToHash(value[1:33]), common.BytesToHash(value[33:65]), nil
}

func loadLeaf(tx db.RoTx, node common.Hash) (common.Hash, common.Hash, error) {
	if node == emptyHashes[0] {
		return types.EmptyHash, types.EmptyHash, nil
	}

	value, err := tx.Get(db.TreeNodeTable, node.Bytes())
	if err != nil {
		return types.EmptyHash, types.EmptyHash, fmt.Errorf("missing tree leaf %s: %w", node, err)
	}
	if len(value) != 65 || value[0] != nodeTagLeaf {
		return types.EmptyHash, types.EmptyHash, fmt.Errorf("malformed tree leaf %s", node)
	}
	return common.BytesToHash(value[1:33]), common.BytesToHash(value[33:65]), nil
}
