package proverapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/handlers"
	"github.com/rs/zerolog"
	"github.com/zenithlabs/zenith/common/logging"
	"github.com/zenithlabs/zenith/internal/types"
	"github.com/zenithlabs/zenith/services/batcher"
)

// NextInputResponse carries the oldest batch awaiting a proof, with its raw
// prover input (zstd-compressed word stream).
type NextInputResponse struct {
	BatchIndex types.BatchIndex `json:"batchIndex"`
	BatchId    types.BatchId    `json:"batchId"`
	Input      hexutil.Bytes    `json:"input"`
}

// SubmitProofRequest delivers an opaque proof blob for a batch.
type SubmitProofRequest struct {
	BatchIndex types.BatchIndex `json:"batchIndex"`
	Proof      hexutil.Bytes    `json:"proof"`
}

// Server exposes the pull API the prover service calls: next_input hands out
// work, submit_proof stores the resulting blob for the prove sender.
type Server struct {
	endpoint string
	storage  *batcher.BatchStorage
	logger   zerolog.Logger
}

func NewServer(endpoint string, storage *batcher.BatchStorage) *Server {
	return &Server{
		endpoint: endpoint,
		storage:  storage,
		logger:   logging.NewLogger("prover_api"),
	}
}

func (s *Server) Name() string { return "prover_api" }

func (s *Server) Run(ctx context.Context, started chan<- struct{}) error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /prover/next_input", s.handleNextInput)
	mux.HandleFunc("POST /prover/submit_proof", s.handleSubmitProof)

	listener, err := net.Listen("tcp", s.endpoint)
	if err != nil {
		return fmt.Errorf("prover API failed to listen on %s: %w", s.endpoint, err)
	}

	server := &http.Server{
		Handler:           handlers.LoggingHandler(os.Stderr, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(listener)
	}()

	s.logger.Info().Str(logging.FieldUrl, listener.Addr().String()).Msg("prover API listening")
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

// nextProvable returns the oldest batch that is sealed but has no proof yet.
func (s *Server) nextProvable(ctx context.Context) (*types.Batch, error) {
	for index := types.BatchIndex(0); ; index++ {
		batch, err := s.storage.GetBatch(ctx, index)
		if err != nil {
			return nil, err
		}
		if batch == nil {
			return nil, nil
		}
		if !batch.Status.IsSealed() || batch.Status == types.BatchStatusFailed {
			return nil, nil
		}
		if len(batch.ProofBlob) == 0 {
			return batch, nil
		}
	}
}

func (s *Server) handleNextInput(w http.ResponseWriter, r *http.Request) {
	batch, err := s.nextProvable(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if batch == nil {
		http.Error(w, "no batch awaiting proof", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(NextInputResponse{
		BatchIndex: batch.Index,
		BatchId:    batch.Id,
		Input:      hexutil.Bytes(batch.ProverInput),
	})
}

func (s *Server) handleSubmitProof(w http.ResponseWriter, r *http.Request) {
	var request SubmitProofRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(request.Proof) == 0 {
		http.Error(w, "empty proof", http.StatusBadRequest)
		return
	}

	if err := s.storage.SetProof(r.Context(), request.BatchIndex, request.Proof); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.logger.Info().
		Stringer(logging.FieldBatchIndex, request.BatchIndex).
		Int("proofBytes", len(request.Proof)).
		Msg("proof submitted")
	w.WriteHeader(http.StatusOK)
}
