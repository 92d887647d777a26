package executor

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/zenithlabs/zenith/internal/types"
)

type CommandKind uint8

const (
	_ CommandKind = iota
	CommandProduce
	CommandReplay
)

// BlockCommand drives the executor. Replay commands carry the WAL record to
// re-execute; Produce commands pull transactions from the pool. Both flow
// through one code path, differing only in the transaction source.
type BlockCommand struct {
	Kind   CommandKind
	Record *types.ReplayRecord // Replay only
}

func ProduceCommand() BlockCommand {
	return BlockCommand{Kind: CommandProduce}
}

func ReplayCommand(record *types.ReplayRecord) BlockCommand {
	return BlockCommand{Kind: CommandReplay, Record: record}
}

func (c BlockCommand) String() string {
	switch c.Kind {
	case CommandReplay:
		return fmt.Sprintf("Replay block %d (%d txs; starting priority index %d)",
			c.Record.Number(), len(c.Record.Transactions), c.Record.StartingPriorityIndex)
	case CommandProduce:
		return "Produce block"
	default:
		return fmt.Sprintf("BlockCommand(%d)", c.Kind)
	}
}

// preparedCommand is a BlockCommand with its transaction source resolved;
// from here on produce and replay are handled uniformly.
type preparedCommand struct {
	context               types.BlockContext
	transactions          []*types.Transaction
	startingPriorityIndex types.PriorityIndex

	// expectedBlockHash is set for replay; the executed block must reproduce it.
	expectedBlockHash *common.Hash
}
