package types

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

type ReceiptStatus uint8

const (
	ReceiptStatusFailed ReceiptStatus = iota
	ReceiptStatusSuccessful
)

type Log struct {
	Address common.Address `json:"address"`
	Topics  []common.Hash  `json:"topics"`
	Data    hexutil.Bytes  `json:"data"`
}

// Receipt is the per-transaction outcome. Fully derivable from
// (block, state@parent, txs), hence disposable.
type Receipt struct {
	TxHash            common.Hash     `json:"txHash"`
	TxIndex           uint32          `json:"txIndex"`
	BlockNumber       BlockNumber     `json:"blockNumber"`
	BlockHash         common.Hash     `json:"blockHash"`
	Status            ReceiptStatus   `json:"status"`
	GasUsed           uint64          `json:"gasUsed"`
	EffectiveGasPrice uint64          `json:"effectiveGasPrice"`
	ContractAddress   *common.Address `json:"contractAddress,omitempty"`
	Logs              []*Log          `json:"logs"`

	// FailureReason records a local validation failure. It never propagates
	// beyond the receipt.
	FailureReason string `json:"failureReason,omitempty"`
}

func (r *Receipt) Succeeded() bool {
	return r.Status == ReceiptStatusSuccessful
}
