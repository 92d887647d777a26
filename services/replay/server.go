package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/handlers"
	"github.com/rs/zerolog"
	"github.com/zenithlabs/zenith/common/logging"
	"github.com/zenithlabs/zenith/internal/types"
	"github.com/zenithlabs/zenith/internal/wal"
)

// Server serves the block-replay protocol: a stream of WAL records from a
// requested height, as JSON lines. External nodes pull it to follow the main
// node's chain.
type Server struct {
	endpoint string
	wal      *wal.Storage
	logger   zerolog.Logger
}

func NewServer(endpoint string, walStorage *wal.Storage) *Server {
	return &Server{
		endpoint: endpoint,
		wal:      walStorage,
		logger:   logging.NewLogger("replay_server"),
	}
}

func (s *Server) Name() string { return "replay_server" }

func (s *Server) Run(ctx context.Context, started chan<- struct{}) error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /replay/stream", s.handleStream)

	listener, err := net.Listen("tcp", s.endpoint)
	if err != nil {
		return fmt.Errorf("replay server failed to listen on %s: %w", s.endpoint, err)
	}

	server := &http.Server{
		Handler:           handlers.LoggingHandler(os.Stderr, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(listener)
	}()

	s.logger.Info().Str(logging.FieldUrl, listener.Addr().String()).Msg("replay server listening")
	if started != nil {
		close(started)
	}

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	from := types.BlockNumber(0)
	if raw := r.URL.Query().Get("from"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid from height", http.StatusBadRequest)
			return
		}
		from = types.BlockNumber(parsed)
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	encoder := json.NewEncoder(w)
	flusher, _ := w.(http.Flusher)

	err := s.wal.Iter(r.Context(), from, func(record *types.ReplayRecord) (bool, error) {
		if err := encoder.Encode(record); err != nil {
			return false, err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return true, nil
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("replay stream aborted")
	}
}
