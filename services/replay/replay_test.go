package replay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zenithlabs/zenith/internal/db"
	"github.com/zenithlabs/zenith/internal/executor"
	"github.com/zenithlabs/zenith/internal/pipeline"
	"github.com/zenithlabs/zenith/internal/state"
	"github.com/zenithlabs/zenith/internal/types"
	"github.com/zenithlabs/zenith/internal/wal"
)

func seededWAL(t *testing.T, count int) *wal.Storage {
	t.Helper()

	database, err := db.NewBadgerDbInMemory()
	require.NoError(t, err)
	t.Cleanup(database.Close)

	storage, err := wal.NewStorage(database, wal.Config{
		GroupCommitWindow:   time.Millisecond,
		GroupCommitMaxCount: 4,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	started := make(chan struct{})
	go func() { _ = storage.Run(ctx, started) }()
	<-started

	for height := types.BlockNumber(0); height < types.BlockNumber(count); height++ {
		record := &types.ReplayRecord{
			Context:     types.BlockContext{Number: height, Timestamp: 1700000000 + uint64(height)},
			NodeVersion: "0.1.0",
		}
		block := &types.Block{Context: record.Context}
		record.BlockHash = block.Hash()
		require.NoError(t, storage.Append(ctx, record))
	}
	return storage
}

func TestStreamServesRecords(t *testing.T) {
	walStorage := seededWAL(t, 5)
	server := NewServer("127.0.0.1:0", walStorage)

	recorder := httptest.NewRecorder()
	server.handleStream(recorder, httptest.NewRequest(http.MethodGet, "/replay/stream?from=2", nil))
	require.Equal(t, http.StatusOK, recorder.Code)

	decoder := json.NewDecoder(strings.NewReader(recorder.Body.String()))
	var heights []types.BlockNumber
	for decoder.More() {
		var record types.ReplayRecord
		require.NoError(t, decoder.Decode(&record))
		heights = append(heights, record.Number())
	}
	require.Equal(t, []types.BlockNumber{2, 3, 4}, heights)
}

func TestStreamRejectsBadHeight(t *testing.T) {
	walStorage := seededWAL(t, 1)
	server := NewServer("127.0.0.1:0", walStorage)

	recorder := httptest.NewRecorder()
	server.handleStream(recorder, httptest.NewRequest(http.MethodGet, "/replay/stream?from=abc", nil))
	require.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestClientPullsAndOrdersCommands(t *testing.T) {
	walStorage := seededWAL(t, 4)
	server := NewServer("127.0.0.1:0", walStorage)

	httpServer := httptest.NewServer(http.HandlerFunc(server.handleStream))
	t.Cleanup(httpServer.Close)

	database, err := db.NewBadgerDbInMemory()
	require.NoError(t, err)
	t.Cleanup(database.Close)
	stateStore, err := state.NewStore(database)
	require.NoError(t, err)

	peer := strings.TrimPrefix(httpServer.URL, "http://")
	client := NewClient(peer, stateStore, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	output := make(chan executor.BlockCommand, 16)
	go func() {
		_ = client.Run(ctx, pipeline.NewPeekableReceiver(make(chan struct{})), output)
	}()

	var heights []types.BlockNumber
	for len(heights) < 4 {
		select {
		case cmd := <-output:
			require.Equal(t, executor.CommandReplay, cmd.Kind)
			heights = append(heights, cmd.Record.Number())
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out after %d commands", len(heights))
		}
	}
	require.Equal(t, []types.BlockNumber{0, 1, 2, 3}, heights)
}
