package types

import (
	"encoding/binary"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
)

// BlockNumber is a monotone block height, starting from 0.
type BlockNumber uint64

func (bn BlockNumber) Uint64() uint64 { return uint64(bn) }
func (bn BlockNumber) String() string { return strconv.FormatUint(uint64(bn), 10) }

func (bn BlockNumber) Bytes() []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(bn))
	return buf
}

func BytesToBlockNumber(b []byte) BlockNumber {
	return BlockNumber(binary.BigEndian.Uint64(b))
}

// PriorityIndex is the dense serial number assigned to an L1-originated
// priority transaction. Consumed on L2 in strict index order.
type PriorityIndex uint64

func (pi PriorityIndex) String() string { return strconv.FormatUint(uint64(pi), 10) }

func (pi PriorityIndex) Bytes() []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(pi))
	return buf
}

func BytesToPriorityIndex(b []byte) PriorityIndex {
	return PriorityIndex(binary.BigEndian.Uint64(b))
}

// BatchIndex is the position of a batch in the global batch sequence.
type BatchIndex uint64

func (bi BatchIndex) String() string { return strconv.FormatUint(uint64(bi), 10) }

func (bi BatchIndex) Bytes() []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(bi))
	return buf
}

var EmptyHash = common.Hash{}
