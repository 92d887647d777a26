package rollupnode

import (
	"context"

	"github.com/zenithlabs/zenith/internal/types"
	"github.com/zenithlabs/zenith/internal/wal"
	"github.com/zenithlabs/zenith/services/batcher"
)

// BlockTags resolves the API block-tag semantics. `pending` is the latest
// produced block and `latest` is defined equal to it; `safe` is the last block
// of the last batch whose commit confirmed on L1. `earliest` and `finalized`
// are not served at this level.
type BlockTags struct {
	Pending *types.BlockNumber
	Latest  *types.BlockNumber
	Safe    *types.BlockNumber
}

func ComputeTags(
	ctx context.Context,
	walStorage *wal.Storage,
	batchStorage *batcher.BatchStorage,
) (BlockTags, error) {
	var tags BlockTags

	tip, ok, err := walStorage.Tip(ctx)
	if err != nil {
		return tags, err
	}
	if ok {
		tags.Pending = &tip
		tags.Latest = &tip
	}

	lastCommitted, err := batchStorage.LastWithStatusAtLeast(ctx, types.BatchStatusCommitted)
	if err != nil {
		return tags, err
	}
	if lastCommitted != nil {
		safe := lastCommitted.LastBlock
		tags.Safe = &safe
	}
	return tags, nil
}
