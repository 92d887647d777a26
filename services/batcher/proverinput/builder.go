package proverinput

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/klauspost/compress/zstd"
	"github.com/zenithlabs/zenith/internal/mtree"
	"github.com/zenithlabs/zenith/internal/types"
)

// Recorder accumulates the prover input: the deterministic stream of 32-bit
// words the reference binary reads while verifying a batch. Each batch input
// (block context, transaction list, boundary witnesses) is laid out in a fixed
// order; the recorded read stream *is* the prover input.
type Recorder struct {
	words []uint32
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

// WordCount is the current stream length; the batcher's sealing policy bounds it.
func (r *Recorder) WordCount() uint64 {
	return uint64(len(r.words))
}

func (r *Recorder) word(w uint32) {
	r.words = append(r.words, w)
}

func (r *Recorder) u64(v uint64) {
	r.word(uint32(v >> 32))
	r.word(uint32(v))
}

func (r *Recorder) hash(h common.Hash) {
	for i := 0; i < 32; i += 4 {
		r.word(binary.BigEndian.Uint32(h[i : i+4]))
	}
}

func (r *Recorder) bytes(data []byte) {
	r.u64(uint64(len(data)))
	for i := 0; i < len(data); i += 4 {
		var chunk [4]byte
		copy(chunk[:], data[i:])
		r.word(binary.BigEndian.Uint32(chunk[:]))
	}
}

// RecordBlock appends one block's inputs: its context and ordered transaction
// list, exactly as the replaying binary would read them.
func (r *Recorder) RecordBlock(record *types.ReplayRecord) {
	r.u64(record.Context.Number.Uint64())
	r.hash(record.Context.ParentHash)
	r.u64(record.Context.Timestamp)
	r.u64(record.Context.GasLimit)
	r.u64(record.Context.BaseFee)
	r.u64(uint64(record.StartingPriorityIndex))

	r.u64(uint64(len(record.Transactions)))
	for _, tx := range record.Transactions {
		r.word(uint32(tx.Kind))
		r.hash(tx.Hash())
		r.u64(tx.Nonce)
		r.u64(tx.GasLimit)
		r.bytes(tx.Data)
	}
	r.hash(record.BlockHash)
}

// RecordWitnesses appends the Merkle witnesses proving the block-boundary
// state reads, verifying each against the given root first.
func (r *Recorder) RecordWitnesses(root common.Hash, witnesses []*mtree.Witness) error {
	r.hash(root)
	r.u64(uint64(len(witnesses)))
	for _, witness := range witnesses {
		if !witness.Verify(root) {
			return fmt.Errorf("witness for key %s does not verify against root %s", witness.Key, root)
		}
		r.hash(witness.Key)
		r.hash(witness.Value)
		for _, sibling := range witness.Siblings {
			r.hash(sibling)
		}
	}
	return nil
}

// Blob serializes the word stream and compresses it with zstd; the result is
// the batch's prover-input artifact.
func (r *Recorder) Blob() ([]byte, error) {
	raw := make([]byte, 4*len(r.words))
	for i, w := range r.words {
		binary.BigEndian.PutUint32(raw[4*i:], w)
	}

	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	defer encoder.Close()
	return encoder.EncodeAll(raw, nil), nil
}

// DecodeBlob reverses Blob: decompresses and splits back into words. The
// prover pull API uses it to serve raw streams.
func DecodeBlob(blob []byte) ([]uint32, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer decoder.Close()

	raw, err := decoder.DecodeAll(blob, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress prover input: %w", err)
	}
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("prover input length %d is not word-aligned", len(raw))
	}

	words := make([]uint32, len(raw)/4)
	for i := range words {
		words[i] = binary.BigEndian.Uint32(raw[4*i:])
	}
	return words, nil
}
