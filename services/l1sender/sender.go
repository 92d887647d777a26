package l1sender

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/zenithlabs/zenith/common"
	"github.com/zenithlabs/zenith/common/logging"
	"github.com/zenithlabs/zenith/internal/telemetry"
	"github.com/zenithlabs/zenith/internal/types"
	"github.com/zenithlabs/zenith/services/batcher"
	"github.com/zenithlabs/zenith/services/l1sender/l1client"
	"go.opentelemetry.io/otel/metric"
)

// ErrRetryBudgetExhausted marks a permanent L1-level failure: the batch is
// marked failed and the phase pauses at it. No silent skipping.
var ErrRetryBudgetExhausted = errors.New("L1 sender retry budget exhausted")

type Config struct {
	Endpoint        string        `yaml:"l1Endpoint,omitempty"`
	PrivateKeyHex   string        `yaml:"l1PrivateKey,omitempty"`
	ContractAddress string        `yaml:"l1ContractAddress,omitempty"`
	RequestsTimeout time.Duration `yaml:"l1ClientTimeout,omitempty"`
	DisableL1       bool          `yaml:"disableL1,omitempty"`

	GasLimit             uint64        `yaml:"gasLimit,omitempty"`
	MaxFeePerGas         uint64        `yaml:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas uint64        `yaml:"maxPriorityFeePerGas,omitempty"`
	FeeBumpNumerator     uint64        `yaml:"feeBumpNumerator,omitempty"`
	FeeBumpDenominator   uint64        `yaml:"feeBumpDenominator,omitempty"`
	RetryBudget          uint32        `yaml:"retryBudget,omitempty"`
	ReceiptTimeout       time.Duration `yaml:"receiptTimeout,omitempty"`
	ReceiptPollInterval  time.Duration `yaml:"receiptPollInterval,omitempty"`
	FinalityDepth        uint64        `yaml:"finalityDepth,omitempty"`
	TickInterval         time.Duration `yaml:"tickInterval,omitempty"`
}

func DefaultConfig() Config {
	return Config{
		PrivateKeyHex:        "0000000000000000000000000000000000000000000000000000000000000001",
		RequestsTimeout:      10 * time.Second,
		GasLimit:             15_000_000,
		MaxFeePerGas:         30_000_000_000,
		MaxPriorityFeePerGas: 2_000_000_000,
		FeeBumpNumerator:     12,
		FeeBumpDenominator:   10,
		RetryBudget:          5,
		ReceiptTimeout:       30 * time.Second,
		ReceiptPollInterval:  500 * time.Millisecond,
		FinalityDepth:        2,
		TickInterval:         250 * time.Millisecond,
	}
}

// phase describes one of the three settlement pipelines. Candidates are drawn
// from batch storage in strict index order; the candidate's status encodes the
// cross-phase gate (a batch only reaches Committed after its commit confirmed,
// so the prove sender never runs ahead, and likewise for execute).
type phase struct {
	name            string
	candidateStatus types.BatchStatus
	ready           func(batch *types.Batch) bool
	payload         func(batch *types.Batch) ([]byte, error)
	transition      func(batch types.Batch, txHash ethcommon.Hash) (*types.Batch, error)
}

// Sender drives one settlement phase: it submits the next batch's artifact,
// tracks confirmation to finality depth, retries with fee bumping on revert or
// timeout, and advances the batch status on success.
type Sender struct {
	cfg     Config
	client  l1client.EthClient
	storage *batcher.BatchStorage
	phase   phase

	privateKey *ecdsa.PrivateKey
	sender     ethcommon.Address
	contract   ethcommon.Address
	chainID    *big.Int

	retries metric.Int64Counter
	logger  zerolog.Logger
}

func newSender(
	cfg Config,
	client l1client.EthClient,
	storage *batcher.BatchStorage,
	p phase,
) (*Sender, error) {
	privateKey, err := crypto.HexToECDSA(cfg.PrivateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("converting private key hex to ECDSA: %w", err)
	}

	meter := telemetry.NewMeter("github.com/zenithlabs/zenith/services/l1sender")
	return &Sender{
		cfg:        cfg,
		client:     client,
		storage:    storage,
		phase:      p,
		privateKey: privateKey,
		sender:     crypto.PubkeyToAddress(privateKey.PublicKey),
		contract:   ethcommon.HexToAddress(cfg.ContractAddress),
		retries:    telemetry.NewCounter(meter, p.name+"_retries", "fee-bumped resubmissions"),
		logger:     logging.NewLogger("l1_sender_" + p.name),
	}, nil
}

func (s *Sender) Name() string { return "l1_sender_" + s.phase.name }

// Run polls batch storage on a tick and processes at most one batch per
// iteration, keeping per-phase submissions strictly ordered.
func (s *Sender) Run(ctx context.Context, started chan<- struct{}) error {
	if s.chainID == nil {
		chainID, err := s.client.ChainID(ctx)
		if err != nil {
			return fmt.Errorf("failed to retrieve chain ID: %w", err)
		}
		s.chainID = chainID
	}
	if started != nil {
		close(started)
	}

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.runIteration(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}
				s.logger.Error().Err(err).Msgf("%s sender iteration failed", s.phase.name)
			}
		}
	}
}

func (s *Sender) runIteration(ctx context.Context) error {
	batch, err := s.storage.NextInStatus(ctx, s.phase.candidateStatus)
	if err != nil {
		return err
	}
	if batch == nil || !s.phase.ready(batch) {
		return nil
	}
	return s.ProcessBatch(ctx, batch)
}

// ProcessBatch submits one batch through this phase and persists the status
// transition once the L1 transaction is final.
func (s *Sender) ProcessBatch(ctx context.Context, batch *types.Batch) error {
	if s.chainID == nil {
		chainID, err := s.client.ChainID(ctx)
		if err != nil {
			return err
		}
		s.chainID = chainID
	}

	payload, err := s.phase.payload(batch)
	if err != nil {
		return err
	}

	txHash, err := s.submitWithRetries(ctx, batch, payload)
	if err != nil {
		if errors.Is(err, ErrRetryBudgetExhausted) {
			s.logger.Error().
				Stringer(logging.FieldBatchIndex, batch.Index).
				Msg("batch failed permanently, pausing phase")
			return s.storage.PutBatch(ctx, batch.AsFailed())
		}
		return err
	}

	advanced, err := s.phase.transition(*batch, txHash)
	if err != nil {
		return err
	}
	if err := s.storage.PutBatch(ctx, advanced); err != nil {
		return err
	}

	s.logger.Info().
		Stringer(logging.FieldBatchIndex, advanced.Index).
		Stringer(logging.FieldL1TxHash, txHash).
		Str(logging.FieldBatchStatus, advanced.Status.String()).
		Msg("batch advanced")
	return nil
}

func (s *Sender) submitWithRetries(
	ctx context.Context,
	batch *types.Batch,
	payload []byte,
) (ethcommon.Hash, error) {
	gasFeeCap := new(big.Int).SetUint64(s.cfg.MaxFeePerGas)
	gasTipCap := new(big.Int).SetUint64(s.cfg.MaxPriorityFeePerGas)

	for attempt := uint32(0); attempt < s.cfg.RetryBudget; attempt++ {
		if attempt > 0 {
			gasFeeCap = bumpFee(gasFeeCap, s.cfg.FeeBumpNumerator, s.cfg.FeeBumpDenominator)
			gasTipCap = bumpFee(gasTipCap, s.cfg.FeeBumpNumerator, s.cfg.FeeBumpDenominator)
			s.retries.Add(ctx, 1)
			s.logger.Warn().
				Stringer(logging.FieldBatchIndex, batch.Index).
				Uint32("attempt", attempt).
				Str("gasFeeCap", gasFeeCap.String()).
				Msg("resubmitting with bumped fees")
		}

		txHash, err := s.submitOnce(ctx, payload, gasFeeCap, gasTipCap)
		if err == nil {
			return txHash, nil
		}
		if ctx.Err() != nil {
			return ethcommon.Hash{}, ctx.Err()
		}
		s.logger.Warn().Err(err).
			Stringer(logging.FieldBatchIndex, batch.Index).
			Msg("submission attempt failed")
	}
	return ethcommon.Hash{}, fmt.Errorf("%w: batch=%d", ErrRetryBudgetExhausted, batch.Index)
}

func (s *Sender) submitOnce(
	ctx context.Context,
	payload []byte,
	gasFeeCap, gasTipCap *big.Int,
) (ethcommon.Hash, error) {
	nonce, err := s.client.PendingNonceAt(ctx, s.sender)
	if err != nil {
		return ethcommon.Hash{}, err
	}

	tx := ethtypes.NewTx(&ethtypes.DynamicFeeTx{
		ChainID:   s.chainID,
		Nonce:     nonce,
		GasTipCap: gasTipCap,
		GasFeeCap: gasFeeCap,
		Gas:       s.cfg.GasLimit,
		To:        &s.contract,
		Data:      payload,
	})
	signed, err := ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(s.chainID), s.privateKey)
	if err != nil {
		return ethcommon.Hash{}, err
	}

	if err := s.client.SendTransaction(ctx, signed); err != nil {
		return ethcommon.Hash{}, err
	}
	s.logger.Debug().
		Stringer(logging.FieldL1TxHash, signed.Hash()).
		Int("payloadBytes", len(payload)).
		Msg("transaction sent")

	receipt, err := s.waitForReceipt(ctx, signed.Hash())
	if err != nil {
		return ethcommon.Hash{}, err
	}
	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		return ethcommon.Hash{}, fmt.Errorf("transaction %s reverted", signed.Hash())
	}

	if err := s.waitForFinality(ctx, receipt); err != nil {
		return ethcommon.Hash{}, err
	}
	return signed.Hash(), nil
}

// waitForReceipt repeatedly polls for the receipt, treating NotFound as
// not-mined-yet. Reaching ReceiptTimeout fails the attempt (and triggers a
// fee-bumped resubmission).
func (s *Sender) waitForReceipt(ctx context.Context, txHash ethcommon.Hash) (*ethtypes.Receipt, error) {
	receipt, err := common.WaitForValue(
		ctx,
		s.cfg.ReceiptTimeout,
		s.cfg.ReceiptPollInterval,
		func(ctx context.Context) (*ethtypes.Receipt, error) {
			receipt, err := s.client.TransactionReceipt(ctx, txHash)
			if err != nil {
				// NotFound and transient errors alike: keep polling.
				return nil, nil
			}
			return receipt, nil
		})
	if err != nil {
		return nil, err
	}
	if receipt == nil {
		return nil, fmt.Errorf("no receipt for %s within %s", txHash, s.cfg.ReceiptTimeout)
	}
	return receipt, nil
}

func (s *Sender) waitForFinality(ctx context.Context, receipt *ethtypes.Receipt) error {
	target := receipt.BlockNumber.Uint64() + s.cfg.FinalityDepth
	head, err := common.WaitForValue(
		ctx,
		s.cfg.ReceiptTimeout,
		s.cfg.ReceiptPollInterval,
		func(ctx context.Context) (*uint64, error) {
			head, err := s.client.BlockNumber(ctx)
			if err != nil || head < target {
				return nil, nil
			}
			return &head, nil
		})
	if err != nil {
		return err
	}
	if head == nil {
		return fmt.Errorf("tx %s not final within %s", receipt.TxHash, s.cfg.ReceiptTimeout)
	}
	return nil
}

func bumpFee(fee *big.Int, numerator, denominator uint64) *big.Int {
	bumped := new(big.Int).Mul(fee, new(big.Int).SetUint64(numerator))
	return bumped.Div(bumped, new(big.Int).SetUint64(denominator))
}
