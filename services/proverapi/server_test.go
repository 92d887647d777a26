package proverapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zenithlabs/zenith/internal/db"
	"github.com/zenithlabs/zenith/internal/types"
	"github.com/zenithlabs/zenith/services/batcher"
)

func newServerWithStorage(t *testing.T) (*Server, *batcher.BatchStorage) {
	t.Helper()
	database, err := db.NewBadgerDbInMemory()
	require.NoError(t, err)
	t.Cleanup(database.Close)

	storage := batcher.NewBatchStorage(database)
	return NewServer("127.0.0.1:0", storage), storage
}

func sealBatch(t *testing.T, storage *batcher.BatchStorage, index types.BatchIndex) *types.Batch {
	t.Helper()
	batch := types.NewBatch(index, 0, 0)
	sealed, err := batch.AsSealed([]byte("input"))
	require.NoError(t, err)
	require.NoError(t, storage.PutBatch(context.Background(), sealed))
	return sealed
}

func TestNextInputEmpty(t *testing.T) {
	server, _ := newServerWithStorage(t)

	recorder := httptest.NewRecorder()
	server.handleNextInput(recorder, httptest.NewRequest(http.MethodGet, "/prover/next_input", nil))
	require.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestNextInputAndSubmit(t *testing.T) {
	server, storage := newServerWithStorage(t)
	sealed := sealBatch(t, storage, 0)

	recorder := httptest.NewRecorder()
	server.handleNextInput(recorder, httptest.NewRequest(http.MethodGet, "/prover/next_input", nil))
	require.Equal(t, http.StatusOK, recorder.Code)

	var response NextInputResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	require.Equal(t, sealed.Index, response.BatchIndex)
	require.EqualValues(t, sealed.ProverInput, response.Input)

	body, err := json.Marshal(SubmitProofRequest{BatchIndex: 0, Proof: []byte("proof")})
	require.NoError(t, err)
	recorder = httptest.NewRecorder()
	server.handleSubmitProof(recorder, httptest.NewRequest(http.MethodPost, "/prover/submit_proof", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, recorder.Code)

	stored, err := storage.GetBatch(context.Background(), 0)
	require.NoError(t, err)
	require.EqualValues(t, []byte("proof"), []byte(stored.ProofBlob))

	// Once the proof is set, the batch is no longer offered as work.
	recorder = httptest.NewRecorder()
	server.handleNextInput(recorder, httptest.NewRequest(http.MethodGet, "/prover/next_input", nil))
	require.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestSubmitRejectsEmptyProof(t *testing.T) {
	server, storage := newServerWithStorage(t)
	sealBatch(t, storage, 0)

	body, err := json.Marshal(SubmitProofRequest{BatchIndex: 0})
	require.NoError(t, err)
	recorder := httptest.NewRecorder()
	server.handleSubmitProof(recorder, httptest.NewRequest(http.MethodPost, "/prover/submit_proof", bytes.NewReader(body)))
	require.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestDummyProverProducesSentinel(t *testing.T) {
	_, storage := newServerWithStorage(t)
	sealBatch(t, storage, 0)

	prover := NewDummyProver(storage, time.Millisecond)
	require.NoError(t, prover.proveNext(context.Background()))

	stored, err := storage.GetBatch(context.Background(), 0)
	require.NoError(t, err)
	require.EqualValues(t, DummyProofSentinel, []byte(stored.ProofBlob))
}
