package state

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
	"github.com/zenithlabs/zenith/internal/db"
	"github.com/zenithlabs/zenith/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	database, err := db.NewBadgerDbInMemory()
	require.NoError(t, err)
	t.Cleanup(database.Close)

	store, err := NewStore(database)
	require.NoError(t, err)
	return store
}

func slot(n byte) common.Hash  { return common.Hash{n} }
func value(n byte) common.Hash { return common.Hash{0xff, n} }

func TestApplyAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, ok := store.Version()
	require.False(t, ok)

	diff := types.StateDiff{slot(1): value(1), slot(2): value(2)}
	require.NoError(t, store.Apply(ctx, 0, diff, nil))

	version, ok := store.Version()
	require.True(t, ok)
	require.Equal(t, types.BlockNumber(0), version)

	got, found, err := store.Get(ctx, slot(1))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, value(1), got)

	_, found, err = store.Get(ctx, slot(9))
	require.NoError(t, err)
	require.False(t, found)
}

func TestApplyIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	diff := types.StateDiff{slot(1): value(1)}
	require.NoError(t, store.Apply(ctx, 0, diff, nil))

	// Re-applying the same height must be a silent no-op, even with a
	// different diff: version is the only guard.
	require.NoError(t, store.Apply(ctx, 0, types.StateDiff{slot(1): value(7)}, nil))

	got, _, err := store.Get(ctx, slot(1))
	require.NoError(t, err)
	require.Equal(t, value(1), got)

	version, _ := store.Version()
	require.Equal(t, types.BlockNumber(0), version)
}

func TestApplyGapFails(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Apply(ctx, 0, types.StateDiff{}, nil))
	err := store.Apply(ctx, 5, types.StateDiff{}, nil)
	require.ErrorIs(t, err, ErrVersionMismatch)
}

func TestPreimages(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	preimage := []byte("contract bytecode")
	hash := crypto.Keccak256Hash(preimage)

	require.NoError(t, store.Apply(ctx, 0, nil, map[common.Hash][]byte{hash: preimage}))

	got, err := store.PreimageGet(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, preimage, got)
}

func TestViewVersionCheck(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Apply(ctx, 0, types.StateDiff{slot(1): value(1)}, nil))
	require.NoError(t, store.Apply(ctx, 1, types.StateDiff{slot(1): value(2)}, nil))

	view, err := store.View(1)
	require.NoError(t, err)

	got, _, err := view.Get(ctx, slot(1))
	require.NoError(t, err)
	require.Equal(t, value(2), got)

	_, err = store.View(0)
	require.ErrorIs(t, err, ErrVersionMismatch)
}
