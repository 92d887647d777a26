package types

import (
	"bytes"
	"encoding/binary"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

type TxKind uint8

const (
	_ TxKind = iota

	// TxKindUser is a signed transaction submitted through the mempool.
	TxKindUser

	// TxKindPriority is a transaction originating from an L1 event,
	// referenced by its dense priority index.
	TxKindPriority
)

type Transaction struct {
	Kind     TxKind          `json:"kind"`
	From     common.Address  `json:"from"`
	To       *common.Address `json:"to,omitempty"`
	Nonce    uint64          `json:"nonce"`
	Value    *uint256.Int    `json:"value"`
	GasLimit uint64          `json:"gasLimit"`
	GasPrice *uint256.Int    `json:"gasPrice"`
	Data     hexutil.Bytes   `json:"data"`

	// Signature is set for user transactions only.
	Signature hexutil.Bytes `json:"signature,omitempty"`

	// PriorityIndex is set for priority transactions only.
	PriorityIndex *PriorityIndex `json:"priorityIndex,omitempty"`

	hashOnce sync.Once
	hash     common.Hash
}

func (tx *Transaction) IsPriority() bool {
	return tx.Kind == TxKindPriority
}

// Hash returns the canonical transaction hash. For priority transactions it doubles
// as the inclusion key into the priority tree.
func (tx *Transaction) Hash() common.Hash {
	tx.hashOnce.Do(func() {
		tx.hash = crypto.Keccak256Hash(tx.encodeForHashing())
	})
	return tx.hash
}

func (tx *Transaction) encodeForHashing() []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(tx.Kind))
	buf.Write(tx.From.Bytes())
	if tx.To != nil {
		buf.Write(tx.To.Bytes())
	}
	writeUint64(&buf, tx.Nonce)
	writeUint256(&buf, tx.Value)
	writeUint64(&buf, tx.GasLimit)
	writeUint256(&buf, tx.GasPrice)
	writeUint64(&buf, uint64(len(tx.Data)))
	buf.Write(tx.Data)
	if tx.Kind == TxKindUser {
		buf.Write(tx.Signature)
	}
	if tx.PriorityIndex != nil {
		writeUint64(&buf, uint64(*tx.PriorityIndex))
	}
	return buf.Bytes()
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var scratch [8]byte
	binary.BigEndian.PutUint64(scratch[:], v)
	buf.Write(scratch[:])
}

func writeUint256(buf *bytes.Buffer, v *uint256.Int) {
	var scratch [32]byte
	if v != nil {
		scratch = v.Bytes32()
	}
	buf.Write(scratch[:])
}

// TxHashes returns hashes of the given transactions, preserving order.
func TxHashes(txs []*Transaction) []common.Hash {
	hashes := make([]common.Hash, len(txs))
	for i, tx := range txs {
		hashes[i] = tx.Hash()
	}
	return hashes
}
