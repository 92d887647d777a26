package wal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/zenithlabs/zenith/common/logging"
	"github.com/zenithlabs/zenith/internal/db"
	"github.com/zenithlabs/zenith/internal/types"
)

var tipKey = []byte("tip")

// Syncer is implemented by stores that support an explicit fsync. The group
// committer issues one Sync per flush window instead of one per append.
type Syncer interface {
	Sync() error
}

type Config struct {
	// GroupCommitWindow bounds how long an append may wait for companions
	// before its flush is forced.
	GroupCommitWindow time.Duration `yaml:"groupCommitWindow,omitempty"`

	// GroupCommitMaxCount forces a flush once this many appends are staged.
	GroupCommitMaxCount int `yaml:"groupCommitMaxCount,omitempty"`
}

func DefaultConfig() Config {
	return Config{
		GroupCommitWindow:   5 * time.Millisecond,
		GroupCommitMaxCount: 16,
	}
}

type stagedAppend struct {
	record *types.ReplayRecord
	done   chan error
}

// Storage is the write-ahead log of executed blocks: one ReplayRecord per height
// plus a tip pointer, written in a single transaction per flush. Heights form a
// gap-free prefix [0, tip]; on startup Tip is authoritative and any lag in the
// derived stores is recovered by replaying the WAL suffix.
type Storage struct {
	database db.DB
	config   Config
	logger   zerolog.Logger

	mu        sync.Mutex
	staged    []stagedAppend
	stagedTip int64 // highest staged height; -1 when empty and nothing durable
	kick      chan struct{}
}

func NewStorage(database db.DB, config Config) (*Storage, error) {
	s := &Storage{
		database: database,
		config:   config,
		logger:   logging.NewLogger("wal"),
		kick:     make(chan struct{}, 1),
	}

	tip, err := s.readTip()
	if err != nil {
		return nil, err
	}
	s.stagedTip = tip
	return s, nil
}

func (s *Storage) Name() string { return "wal" }

// Append stages the record and blocks until its flush is durable. Appending a
// height at or below the current tip is a no-op (idempotent replay re-append);
// a height beyond tip+1 is a fatal gap.
func (s *Storage) Append(ctx context.Context, record *types.ReplayRecord) error {
	height := int64(record.Number().Uint64())

	s.mu.Lock()
	switch {
	case height <= s.stagedTip:
		s.mu.Unlock()
		s.logger.Debug().
			Stringer(logging.FieldBlockNumber, record.Number()).
			Msg("not appending block: already exists in WAL")
		return nil
	case height != s.stagedTip+1:
		s.mu.Unlock()
		return fmt.Errorf("%w: tip=%d, appended=%d", types.ErrWALGap, s.stagedTip, height)
	}

	entry := stagedAppend{record: record, done: make(chan error, 1)}
	s.staged = append(s.staged, entry)
	s.stagedTip = height
	mustFlush := len(s.staged) >= s.config.GroupCommitMaxCount
	s.mu.Unlock()

	if mustFlush {
		s.kickFlusher()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-entry.done:
		return err
	}
}

// Run drives the group committer until the context is canceled. In-flight
// appends are flushed before exit.
func (s *Storage) Run(ctx context.Context, started chan<- struct{}) error {
	if started != nil {
		close(started)
	}

	ticker := time.NewTicker(s.config.GroupCommitWindow)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.flush()
			return ctx.Err()
		case <-ticker.C:
			s.flush()
		case <-s.kick:
			s.flush()
		}
	}
}

func (s *Storage) kickFlusher() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Storage) flush() {
	s.mu.Lock()
	batch := s.staged
	s.staged = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	err := s.writeBatch(batch)
	if err == nil {
		if syncer, ok := s.database.(Syncer); ok {
			err = syncer.Sync()
		}
	}
	if err != nil {
		// Appends that failed to become durable were never acknowledged;
		// the staged tip must retreat so they can be retried or replayed.
		s.mu.Lock()
		s.stagedTip = int64(batch[0].record.Number().Uint64()) - 1
		s.mu.Unlock()
	}

	for _, entry := range batch {
		entry.done <- err
	}
}

func (s *Storage) writeBatch(batch []stagedAppend) error {
	tx, err := s.database.CreateRwTx(context.Background())
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, entry := range batch {
		key := entry.record.Number().Bytes()
		if err := db.PutJSON(tx, db.ReplayRecordTable, key, entry.record); err != nil {
			return err
		}
	}

	last := batch[len(batch)-1].record.Number()
	if err := tx.Put(db.ReplayTipTable, tipKey, last.Bytes()); err != nil {
		return err
	}

	return tx.Commit()
}

// Read returns the replay record for the given height, or db.ErrKeyNotFound.
func (s *Storage) Read(ctx context.Context, height types.BlockNumber) (*types.ReplayRecord, error) {
	tx, err := s.database.CreateRoTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	return db.GetJSON[types.ReplayRecord](tx, db.ReplayRecordTable, height.Bytes())
}

// Tip returns the highest durable height, or false if the WAL is empty.
func (s *Storage) Tip(ctx context.Context) (types.BlockNumber, bool, error) {
	tip, err := s.readTip()
	if err != nil {
		return 0, false, err
	}
	if tip < 0 {
		return 0, false, nil
	}
	return types.BlockNumber(tip), true, nil
}

func (s *Storage) readTip() (int64, error) {
	tx, err := s.database.CreateRoTx(context.Background())
	if err != nil {
		return -1, err
	}
	defer tx.Rollback()

	value, err := tx.Get(db.ReplayTipTable, tipKey)
	if errors.Is(err, db.ErrKeyNotFound) {
		return -1, nil
	}
	if err != nil {
		return -1, err
	}
	return int64(types.BytesToBlockNumber(value).Uint64()), nil
}

// Iter calls action for every record with height ≥ from, in ascending order,
// until action returns false or the durable tip is reached.
func (s *Storage) Iter(
	ctx context.Context,
	from types.BlockNumber,
	action func(record *types.ReplayRecord) (bool, error),
) error {
	tip, ok, err := s.Tip(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	for height := from; height <= tip; height++ {
		record, err := s.Read(ctx, height)
		if err != nil {
			return fmt.Errorf("WAL record %d missing below tip %d: %w", height, tip, err)
		}
		shouldContinue, err := action(record)
		if err != nil {
			return err
		}
		if !shouldContinue {
			return nil
		}
	}
	return nil
}
