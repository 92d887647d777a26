package proverapi

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/zenithlabs/zenith/common/logging"
	"github.com/zenithlabs/zenith/internal/types"
	"github.com/zenithlabs/zenith/services/batcher"
)

// DummyProofSentinel is the proof blob produced when dummy proofs are enabled.
// The disabled-L1 prove call accepts it as-is.
var DummyProofSentinel = []byte("zenith-dummy-proof-v1")

// DummyProver stands in for the external prover service: it polls batch
// storage for proof work and immediately answers with the sentinel blob,
// letting the full Sealed → Executed lifecycle run without a proving backend.
type DummyProver struct {
	storage  *batcher.BatchStorage
	interval time.Duration
	logger   zerolog.Logger
}

func NewDummyProver(storage *batcher.BatchStorage, interval time.Duration) *DummyProver {
	return &DummyProver{
		storage:  storage,
		interval: interval,
		logger:   logging.NewLogger("dummy_prover"),
	}
}

func (p *DummyProver) Name() string { return "dummy_prover" }

func (p *DummyProver) Run(ctx context.Context, started chan<- struct{}) error {
	if started != nil {
		close(started)
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.proveNext(ctx); err != nil {
				return err
			}
		}
	}
}

func (p *DummyProver) proveNext(ctx context.Context) error {
	for index := types.BatchIndex(0); ; index++ {
		batch, err := p.storage.GetBatch(ctx, index)
		if err != nil {
			return err
		}
		if batch == nil {
			return nil
		}
		if !batch.Status.IsSealed() || batch.Status == types.BatchStatusFailed {
			return nil
		}
		if len(batch.ProofBlob) > 0 {
			continue
		}

		p.logger.Info().
			Stringer(logging.FieldBatchIndex, batch.Index).
			Msg("producing dummy proof")
		return p.storage.SetProof(ctx, batch.Index, DummyProofSentinel)
	}
}
