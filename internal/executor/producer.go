package executor

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/zenithlabs/zenith/common/logging"
	"github.com/zenithlabs/zenith/internal/pipeline"
	"github.com/zenithlabs/zenith/internal/state"
	"github.com/zenithlabs/zenith/internal/types"
	"github.com/zenithlabs/zenith/internal/wal"
)

// CommandProducer feeds the executor: first the WAL suffix the derived stores
// have not caught up with is replayed, then Produce commands are emitted on
// the block-time tick. Replay before produce makes recovery a first-class
// path instead of an afterthought.
type CommandProducer struct {
	wal       *wal.Storage
	state     *state.Store
	blockTime time.Duration
	logger    zerolog.Logger
}

func NewCommandProducer(walStorage *wal.Storage, stateStore *state.Store, blockTime time.Duration) *CommandProducer {
	return &CommandProducer{
		wal:       walStorage,
		state:     stateStore,
		blockTime: blockTime,
		logger:    logging.NewLogger("command_producer"),
	}
}

func (p *CommandProducer) Name() string          { return "command_producer" }
func (p *CommandProducer) OutputBufferSize() int { return 1 }

func (p *CommandProducer) Run(
	ctx context.Context,
	_ *pipeline.PeekableReceiver[struct{}],
	output chan<- BlockCommand,
) error {
	replayFrom := types.BlockNumber(0)
	if version, ok := p.state.Version(); ok {
		replayFrom = version + 1
	}

	replayed := 0
	err := p.wal.Iter(ctx, replayFrom, func(record *types.ReplayRecord) (bool, error) {
		if err := pipeline.Send(ctx, output, ReplayCommand(record)); err != nil {
			return false, err
		}
		replayed++
		return true, nil
	})
	if err != nil {
		return err
	}
	if replayed > 0 {
		p.logger.Info().Int("blocks", replayed).Msg("scheduled WAL suffix for replay")
	}

	ticker := time.NewTicker(p.blockTime)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := pipeline.Send(ctx, output, ProduceCommand()); err != nil {
				return err
			}
		}
	}
}
