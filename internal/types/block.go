package types

import (
	"bytes"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// BlockContext carries the producer-chosen parameters of a block. Together with the
// ordered transaction list it is sufficient to re-execute the block deterministically.
type BlockContext struct {
	Number                 BlockNumber `json:"number"`
	ParentHash             common.Hash `json:"parentHash"`
	Timestamp              uint64      `json:"timestamp"`
	PreviousBlockTimestamp uint64      `json:"previousBlockTimestamp"`
	GasLimit               uint64      `json:"gasLimit"`
	BaseFee                uint64      `json:"baseFee"`
}

// StateDiff is a set of storage writes produced by executing one block.
type StateDiff map[common.Hash]common.Hash

// Digest commits to the diff contents; pairs are folded in canonical key order so the
// digest is independent of map iteration.
func (d StateDiff) Digest() common.Hash {
	keys := make([]common.Hash, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return bytes.Compare(keys[i][:], keys[j][:]) < 0
	})

	var buf bytes.Buffer
	for _, k := range keys {
		buf.Write(k[:])
		v := d[k]
		buf.Write(v[:])
	}
	return crypto.Keccak256Hash(buf.Bytes())
}

// SortedKeys returns the diff's keys in canonical order.
func (d StateDiff) SortedKeys() []common.Hash {
	keys := make([]common.Hash, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return bytes.Compare(keys[i][:], keys[j][:]) < 0
	})
	return keys
}

// Block is the immutable execution result for one height.
type Block struct {
	Context         BlockContext  `json:"context"`
	TxHashes        []common.Hash `json:"txHashes"`
	GasUsed         uint64        `json:"gasUsed"`
	StateDiffDigest common.Hash   `json:"stateDiffDigest"`
	Receipts        []*Receipt    `json:"receipts"`
}

func (b *Block) Number() BlockNumber { return b.Context.Number }

// Hash commits to header fields only. The Merkle root is deliberately excluded:
// the tree is maintained for proving and may lag block production.
func (b *Block) Hash() common.Hash {
	var buf bytes.Buffer
	writeUint64(&buf, uint64(b.Context.Number))
	buf.Write(b.Context.ParentHash[:])
	writeUint64(&buf, b.Context.Timestamp)
	writeUint64(&buf, b.Context.GasLimit)
	writeUint64(&buf, b.Context.BaseFee)
	writeUint64(&buf, b.GasUsed)
	buf.Write(b.StateDiffDigest[:])
	for _, txHash := range b.TxHashes {
		buf.Write(txHash[:])
	}
	return crypto.Keccak256Hash(buf.Bytes())
}

// ReplayRecord is the WAL unit: everything needed to re-execute a block
// deterministically, plus the resulting block hash for cross-checking.
type ReplayRecord struct {
	Context               BlockContext   `json:"context"`
	StartingPriorityIndex PriorityIndex  `json:"startingPriorityIndex"`
	Transactions          []*Transaction `json:"transactions"`
	NodeVersion           string         `json:"nodeVersion"`
	BlockHash             common.Hash    `json:"blockHash"`
}

func (r *ReplayRecord) Number() BlockNumber { return r.Context.Number }

// PriorityTxCount returns how many priority transactions the record consumes.
func (r *ReplayRecord) PriorityTxCount() int {
	n := 0
	for _, tx := range r.Transactions {
		if tx.IsPriority() {
			n++
		}
	}
	return n
}
