package prioritytree

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/zenithlabs/zenith/common/check"
	"github.com/zenithlabs/zenith/common/logging"
	"github.com/zenithlabs/zenith/internal/types"
)

// priorityEventABI describes the rollup contract event carrying an enqueued
// priority transaction. The serial index is the first indexed topic.
const priorityEventABI = `[{
	"type": "event",
	"name": "PriorityTransactionEnqueued",
	"inputs": [
		{"name": "serialId", "type": "uint256", "indexed": true},
		{"name": "sender", "type": "address", "indexed": false},
		{"name": "target", "type": "address", "indexed": false},
		{"name": "value", "type": "uint256", "indexed": false},
		{"name": "gasLimit", "type": "uint256", "indexed": false},
		{"name": "data", "type": "bytes", "indexed": false}
	]
}]`

var priorityABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(priorityEventABI))
	check.PanicIfErr(err)
	return parsed
}()

// PriorityEventID is the topic hash of PriorityTransactionEnqueued.
var PriorityEventID = priorityABI.Events["PriorityTransactionEnqueued"].ID

// LogSource is the subset of the L1 client needed by the watcher.
type LogSource interface {
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- ethtypes.Log) (ethereum.Subscription, error)
}

// Watcher subscribes to the rollup contract's priority-transaction events and
// feeds them into the Manager in dense index order.
type Watcher struct {
	source   LogSource
	contract common.Address
	manager  *Manager
	logger   zerolog.Logger
}

func NewWatcher(source LogSource, contract common.Address, manager *Manager) *Watcher {
	return &Watcher{
		source:   source,
		contract: contract,
		manager:  manager,
		logger:   logging.NewLogger("l1_watcher"),
	}
}

func (w *Watcher) Name() string { return "l1_watcher" }

func (w *Watcher) Run(ctx context.Context, started chan<- struct{}) error {
	logs := make(chan ethtypes.Log, 64)
	sub, err := w.source.SubscribeFilterLogs(ctx, ethereum.FilterQuery{
		Addresses: []common.Address{w.contract},
		Topics:    [][]common.Hash{{PriorityEventID}},
	}, logs)
	if err != nil {
		return fmt.Errorf("failed to subscribe to priority tx events: %w", err)
	}
	defer sub.Unsubscribe()

	if started != nil {
		close(started)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return fmt.Errorf("priority tx subscription failed: %w", err)
		case event := <-logs:
			index, tx, err := DecodePriorityEvent(event)
			if err != nil {
				return err
			}
			if err := w.manager.Append(ctx, index, tx); err != nil {
				return err
			}
		}
	}
}

// DecodePriorityEvent turns a contract log into a priority transaction.
func DecodePriorityEvent(event ethtypes.Log) (types.PriorityIndex, *types.Transaction, error) {
	if len(event.Topics) != 2 || event.Topics[0] != PriorityEventID {
		return 0, nil, fmt.Errorf("unexpected log topics for priority event: %v", event.Topics)
	}
	index := types.PriorityIndex(new(big.Int).SetBytes(event.Topics[1].Bytes()).Uint64())

	unpacked, err := priorityABI.Unpack("PriorityTransactionEnqueued", event.Data)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to unpack priority event: %w", err)
	}

	sender, ok := unpacked[0].(common.Address)
	if !ok {
		return 0, nil, fmt.Errorf("priority event sender has unexpected type %T", unpacked[0])
	}
	target, ok := unpacked[1].(common.Address)
	if !ok {
		return 0, nil, fmt.Errorf("priority event target has unexpected type %T", unpacked[1])
	}
	value, ok := unpacked[2].(*big.Int)
	if !ok {
		return 0, nil, fmt.Errorf("priority event value has unexpected type %T", unpacked[2])
	}
	gasLimit, ok := unpacked[3].(*big.Int)
	if !ok {
		return 0, nil, fmt.Errorf("priority event gasLimit has unexpected type %T", unpacked[3])
	}
	data, ok := unpacked[4].([]byte)
	if !ok {
		return 0, nil, fmt.Errorf("priority event data has unexpected type %T", unpacked[4])
	}

	valueInt, overflow := uint256.FromBig(value)
	if overflow {
		return 0, nil, fmt.Errorf("priority event value overflows uint256: %s", value)
	}

	tx := &types.Transaction{
		Kind:          types.TxKindPriority,
		From:          sender,
		To:            &target,
		Value:         valueInt,
		GasLimit:      gasLimit.Uint64(),
		GasPrice:      uint256.NewInt(0),
		Data:          data,
		PriorityIndex: &index,
	}
	return index, tx, nil
}
