package wal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zenithlabs/zenith/internal/db"
	"github.com/zenithlabs/zenith/internal/types"
	"pgregory.net/rapid"
)

func newTestStorage(t *testing.T) (*Storage, context.Context) {
	t.Helper()

	database, err := db.NewBadgerDbInMemory()
	require.NoError(t, err)
	t.Cleanup(database.Close)

	storage, err := NewStorage(database, Config{
		GroupCommitWindow:   time.Millisecond,
		GroupCommitMaxCount: 4,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	started := make(chan struct{})
	go func() {
		_ = storage.Run(ctx, started)
	}()
	<-started

	return storage, ctx
}

func makeRecord(height types.BlockNumber) *types.ReplayRecord {
	record := &types.ReplayRecord{
		Context: types.BlockContext{
			Number:    height,
			Timestamp: 1700000000 + uint64(height),
		},
		NodeVersion: "0.1.0",
	}
	block := &types.Block{Context: record.Context}
	record.BlockHash = block.Hash()
	return record
}

func TestAppendRead(t *testing.T) {
	storage, ctx := newTestStorage(t)

	for height := types.BlockNumber(0); height < 10; height++ {
		require.NoError(t, storage.Append(ctx, makeRecord(height)))
	}

	tip, ok, err := storage.Tip(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, types.BlockNumber(9), tip)

	record, err := storage.Read(ctx, 5)
	require.NoError(t, err)
	require.Equal(t, types.BlockNumber(5), record.Number())
	require.Equal(t, makeRecord(5).BlockHash, record.BlockHash)
}

func TestAppendGapFails(t *testing.T) {
	storage, ctx := newTestStorage(t)

	require.NoError(t, storage.Append(ctx, makeRecord(0)))

	err := storage.Append(ctx, makeRecord(2))
	require.ErrorIs(t, err, types.ErrWALGap)
}

func TestAppendIdempotent(t *testing.T) {
	storage, ctx := newTestStorage(t)

	require.NoError(t, storage.Append(ctx, makeRecord(0)))
	require.NoError(t, storage.Append(ctx, makeRecord(1)))

	// Re-appending an existing height is a no-op, not an error.
	require.NoError(t, storage.Append(ctx, makeRecord(0)))
	require.NoError(t, storage.Append(ctx, makeRecord(1)))

	tip, ok, err := storage.Tip(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, types.BlockNumber(1), tip)
}

func TestEmptyTip(t *testing.T) {
	storage, ctx := newTestStorage(t)

	_, ok, err := storage.Tip(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = storage.Read(ctx, 0)
	require.True(t, errors.Is(err, db.ErrKeyNotFound))
}

func TestIter(t *testing.T) {
	storage, ctx := newTestStorage(t)

	for height := types.BlockNumber(0); height < 5; height++ {
		require.NoError(t, storage.Append(ctx, makeRecord(height)))
	}

	var seen []types.BlockNumber
	err := storage.Iter(ctx, 2, func(record *types.ReplayRecord) (bool, error) {
		seen = append(seen, record.Number())
		return true, nil
	})
	require.NoError(t, err)
	require.Equal(t, []types.BlockNumber{2, 3, 4}, seen)
}

// Heights always form a gap-free prefix [0, tip], no matter how appends
// (including duplicates and attempted skips) are interleaved.
func TestWALPrefixProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		database, err := db.NewBadgerDbInMemory()
		if err != nil {
			t.Fatal(err)
		}
		defer database.Close()

		storage, err := NewStorage(database, Config{
			GroupCommitWindow:   time.Millisecond,
			GroupCommitMaxCount: 2,
		})
		if err != nil {
			t.Fatal(err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		started := make(chan struct{})
		go func() { _ = storage.Run(ctx, started) }()
		<-started

		next := types.BlockNumber(0)
		steps := rapid.IntRange(1, 30).Draw(t, "steps")
		for range steps {
			height := types.BlockNumber(rapid.Uint64Range(0, uint64(next)+2).Draw(t, "height"))
			err := storage.Append(ctx, makeRecord(height))
			if height == next {
				if err != nil {
					t.Fatalf("append of next height failed: %v", err)
				}
				next++
			} else if height > next {
				if !errors.Is(err, types.ErrWALGap) {
					t.Fatalf("gap append must fail, got %v", err)
				}
			} else if err != nil {
				t.Fatalf("duplicate append must be a no-op, got %v", err)
			}
		}

		tip, ok, err := storage.Tip(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if next == 0 {
			if ok {
				t.Fatal("tip must be unset for empty WAL")
			}
			return
		}
		if !ok || tip != next-1 {
			t.Fatalf("tip=%d, want %d", tip, next-1)
		}
		for height := types.BlockNumber(0); height <= tip; height++ {
			if _, err := storage.Read(ctx, height); err != nil {
				t.Fatalf("hole at height %d: %v", height, err)
			}
		}
	})
}
