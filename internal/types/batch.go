package types

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
)

var (
	ErrBatchInvalidStatus = errors.New("batch has invalid status")
	ErrBatchFailed        = errors.New("batch is marked as failed")
)

// BatchId is the unique ID of a batch of blocks.
type BatchId uuid.UUID

func NewBatchId() BatchId         { return BatchId(uuid.New()) }
func (id BatchId) String() string { return uuid.UUID(id).String() }
func (id BatchId) Bytes() []byte  { return []byte(id.String()) }

var EmptyBatchId = BatchId(uuid.UUID{})

// MarshalText implements the encoding.TextMarshaler interface for BatchId.
func (id BatchId) MarshalText() ([]byte, error) {
	uuidValue := uuid.UUID(id)
	return []byte(uuidValue.String()), nil
}

// UnmarshalText implements the encoding.TextUnmarshaler interface for BatchId.
func (id *BatchId) UnmarshalText(data []byte) error {
	uuidValue, err := uuid.Parse(string(data))
	if err != nil {
		return err
	}
	*id = BatchId(uuidValue)
	return nil
}

type BatchStatus int8

const (
	_ BatchStatus = iota

	// BatchStatusPending indicates that the batch is awaiting to be filled and sealed.
	BatchStatusPending

	// BatchStatusSealed indicates that the batch has been sealed and its prover
	// input computed; it is no longer modifiable.
	BatchStatusSealed

	// BatchStatusCommitted indicates that the batch commitment has been confirmed on L1.
	BatchStatusCommitted

	// BatchStatusProven indicates that the batch proof has been confirmed on L1.
	BatchStatusProven

	// BatchStatusExecuted indicates that the batch execution has been confirmed on L1.
	BatchStatusExecuted

	// BatchStatusFailed indicates a permanent L1-level failure; the pipeline
	// pauses at this batch and never skips it silently.
	BatchStatusFailed
)

func (s BatchStatus) String() string {
	switch s {
	case BatchStatusPending:
		return "Pending"
	case BatchStatusSealed:
		return "Sealed"
	case BatchStatusCommitted:
		return "Committed"
	case BatchStatusProven:
		return "Proven"
	case BatchStatusExecuted:
		return "Executed"
	case BatchStatusFailed:
		return "Failed"
	default:
		return fmt.Sprintf("BatchStatus(%d)", int8(s))
	}
}

func (s BatchStatus) IsSealed() bool {
	return s != BatchStatusPending
}

// PriorityRange is the half-open range [From, To) of priority indices consumed
// by the blocks of a batch.
type PriorityRange struct {
	From PriorityIndex `json:"from"`
	To   PriorityIndex `json:"to"`
}

func (r PriorityRange) IsEmpty() bool { return r.From == r.To }
func (r PriorityRange) Count() uint64 { return uint64(r.To - r.From) }

// Batch is a contiguous range of block heights processed as one proof and one
// L1 commitment. Status advances monotonically and strictly in order across
// batches per phase.
type Batch struct {
	Id         BatchId     `json:"id"`
	Index      BatchIndex  `json:"index"`
	Status     BatchStatus `json:"status"`
	FirstBlock BlockNumber `json:"firstBlock"`
	LastBlock  BlockNumber `json:"lastBlock"`

	PriorityTxs PriorityRange `json:"priorityTxs"`

	// ProverInput is the zstd-compressed stream of 32-bit words recorded while
	// running the reference binary over the batch inputs.
	ProverInput hexutil.Bytes `json:"proverInput,omitempty"`

	CommitTxHash  common.Hash   `json:"commitTxHash,omitempty"`
	ProofBlob     hexutil.Bytes `json:"proofBlob,omitempty"`
	ExecuteTxHash common.Hash   `json:"executeTxHash,omitempty"`
}

func NewBatch(index BatchIndex, firstBlock BlockNumber, priorityFrom PriorityIndex) *Batch {
	return &Batch{
		Id:          NewBatchId(),
		Index:       index,
		Status:      BatchStatusPending,
		FirstBlock:  firstBlock,
		LastBlock:   firstBlock,
		PriorityTxs: PriorityRange{From: priorityFrom, To: priorityFrom},
	}
}

func (b *Batch) BlockCount() uint64 {
	return uint64(b.LastBlock-b.FirstBlock) + 1
}

func (b Batch) AsSealed(proverInput []byte) (*Batch, error) {
	if b.Status != BatchStatusPending {
		return nil, b.invalidStatusErr("AsSealed")
	}
	b.ProverInput = proverInput
	b.Status = BatchStatusSealed
	return &b, nil
}

func (b Batch) AsCommitted(txHash common.Hash) (*Batch, error) {
	if b.Status != BatchStatusSealed {
		return nil, b.invalidStatusErr("AsCommitted")
	}
	b.CommitTxHash = txHash
	b.Status = BatchStatusCommitted
	return &b, nil
}

func (b Batch) AsProven(proof []byte) (*Batch, error) {
	if b.Status != BatchStatusCommitted {
		return nil, b.invalidStatusErr("AsProven")
	}
	b.ProofBlob = proof
	b.Status = BatchStatusProven
	return &b, nil
}

func (b Batch) AsExecuted(txHash common.Hash) (*Batch, error) {
	if b.Status != BatchStatusProven {
		return nil, b.invalidStatusErr("AsExecuted")
	}
	b.ExecuteTxHash = txHash
	b.Status = BatchStatusExecuted
	return &b, nil
}

func (b Batch) AsFailed() *Batch {
	b.Status = BatchStatusFailed
	return &b
}

func (b *Batch) invalidStatusErr(operationName string) error {
	return fmt.Errorf(
		"%w: cannot perform operation %s on batch with id=%s, actualStatus=%s",
		ErrBatchInvalidStatus, operationName, b.Id, b.Status,
	)
}
