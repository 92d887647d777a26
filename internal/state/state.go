package state

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"github.com/zenithlabs/zenith/common/logging"
	"github.com/zenithlabs/zenith/internal/db"
	"github.com/zenithlabs/zenith/internal/types"
)

var versionKey = []byte("version")

// ErrVersionMismatch is returned when a read view is requested for a height the
// store does not currently materialize.
var ErrVersionMismatch = errors.New("state version mismatch")

const cacheSize = 1 << 16

// Store is the authoritative VM-visible state: storage slots plus the preimage
// map. The state at height h is uniquely determined by the WAL prefix up to h;
// Apply is idempotent so replaying the WAL suffix after a crash converges.
type Store struct {
	database db.DB
	logger   zerolog.Logger

	mu      sync.RWMutex
	version int64 // -1 until the genesis diff is applied

	slots     *lru.Cache[common.Hash, common.Hash]
	preimages *lru.Cache[common.Hash, []byte]
}

func NewStore(database db.DB) (*Store, error) {
	slots, err := lru.New[common.Hash, common.Hash](cacheSize)
	if err != nil {
		return nil, err
	}
	preimages, err := lru.New[common.Hash, []byte](cacheSize)
	if err != nil {
		return nil, err
	}

	s := &Store{
		database:  database,
		logger:    logging.NewLogger("state"),
		version:   -1,
		slots:     slots,
		preimages: preimages,
	}

	tx, err := database.CreateRoTx(context.Background())
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	value, err := tx.Get(db.StateVersionTable, versionKey)
	switch {
	case errors.Is(err, db.ErrKeyNotFound):
	case err != nil:
		return nil, err
	default:
		s.version = int64(types.BytesToBlockNumber(value).Uint64())
	}
	return s, nil
}

// Version returns the height of the last applied block, or false if no block
// has been applied yet.
func (s *Store) Version() (types.BlockNumber, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.version < 0 {
		return 0, false
	}
	return types.BlockNumber(s.version), true
}

// Get reads a storage slot. A missing slot reads as (zero, false).
func (s *Store) Get(ctx context.Context, key common.Hash) (common.Hash, bool, error) {
	if value, ok := s.slots.Get(key); ok {
		return value, true, nil
	}

	tx, err := s.database.CreateRoTx(ctx)
	if err != nil {
		return types.EmptyHash, false, err
	}
	defer tx.Rollback()

	value, err := tx.Get(db.StorageTable, key.Bytes())
	if errors.Is(err, db.ErrKeyNotFound) {
		return types.EmptyHash, false, nil
	}
	if err != nil {
		return types.EmptyHash, false, err
	}

	hash := common.BytesToHash(value)
	s.slots.Add(key, hash)
	return hash, true, nil
}

// Apply writes one block's storage diff and touched preimages atomically.
// Applying a height at or below the current version is a no-op.
func (s *Store) Apply(
	ctx context.Context,
	height types.BlockNumber,
	diff types.StateDiff,
	preimages map[common.Hash][]byte,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if int64(height.Uint64()) <= s.version {
		s.logger.Debug().
			Stringer(logging.FieldBlockNumber, height).
			Int64("version", s.version).
			Msg("skipping already-applied block")
		return nil
	}
	if int64(height.Uint64()) != s.version+1 {
		return fmt.Errorf("%w: version=%d, applied=%d", ErrVersionMismatch, s.version, height)
	}

	tx, err := s.database.CreateRwTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for key, value := range diff {
		if err := tx.Put(db.StorageTable, key.Bytes(), value.Bytes()); err != nil {
			return err
		}
	}
	for hash, preimage := range preimages {
		if err := tx.Put(db.PreimageTable, hash.Bytes(), preimage); err != nil {
			return err
		}
	}
	if err := tx.Put(db.StateVersionTable, versionKey, height.Bytes()); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	for key, value := range diff {
		s.slots.Add(key, value)
	}
	for hash, preimage := range preimages {
		s.preimages.Add(hash, preimage)
	}
	s.version = int64(height.Uint64())
	return nil
}

// PreimageGet resolves a hash to its preimage bytes.
func (s *Store) PreimageGet(ctx context.Context, hash common.Hash) ([]byte, error) {
	if preimage, ok := s.preimages.Get(hash); ok {
		return preimage, nil
	}

	tx, err := s.database.CreateRoTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	preimage, err := tx.Get(db.PreimageTable, hash.Bytes())
	if err != nil {
		return nil, err
	}
	s.preimages.Add(hash, preimage)
	return preimage, nil
}

// PreimagePut stores a preimage outside the per-block apply path (genesis data).
func (s *Store) PreimagePut(ctx context.Context, hash common.Hash, preimage []byte) error {
	tx, err := s.database.CreateRwTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := tx.Put(db.PreimageTable, hash.Bytes(), preimage); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.preimages.Add(hash, preimage)
	return nil
}

// View returns a read view pinned at the given height. Only the currently
// materialized version can be viewed; the executor requests height-1 while the
// store is at exactly that version.
func (s *Store) View(height types.BlockNumber) (*View, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.version >= 0 && int64(height.Uint64()) != s.version {
		return nil, fmt.Errorf("%w: version=%d, requested view=%d", ErrVersionMismatch, s.version, height)
	}
	return &View{store: s, height: height}, nil
}

// View is the VM-facing read-only state snapshot.
type View struct {
	store  *Store
	height types.BlockNumber
}

func (v *View) Height() types.BlockNumber { return v.height }

func (v *View) Get(ctx context.Context, key common.Hash) (common.Hash, bool, error) {
	return v.store.Get(ctx, key)
}

func (v *View) PreimageGet(ctx context.Context, hash common.Hash) ([]byte, error) {
	return v.store.PreimageGet(ctx, hash)
}
