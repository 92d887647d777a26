package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/zenithlabs/zenith/common/logging"
	"github.com/zenithlabs/zenith/internal/executor"
	"github.com/zenithlabs/zenith/internal/pipeline"
	"github.com/zenithlabs/zenith/internal/state"
	"github.com/zenithlabs/zenith/internal/types"
)

// Client replaces the command producer on an external node: it pulls WAL
// records from the configured peer and feeds them to the executor as Replay
// commands. The node runs no mempool and no L1 senders in this mode.
type Client struct {
	peerAddress  string
	state        *state.Store
	pollInterval time.Duration
	httpClient   *http.Client
	logger       zerolog.Logger
}

func NewClient(peerAddress string, stateStore *state.Store, pollInterval time.Duration) *Client {
	return &Client{
		peerAddress:  peerAddress,
		state:        stateStore,
		pollInterval: pollInterval,
		httpClient:   &http.Client{},
		logger:       logging.NewLogger("replay_client"),
	}
}

func (c *Client) Name() string          { return "replay_client" }
func (c *Client) OutputBufferSize() int { return 1 }

func (c *Client) Run(
	ctx context.Context,
	_ *pipeline.PeekableReceiver[struct{}],
	output chan<- executor.BlockCommand,
) error {
	next := types.BlockNumber(0)
	if version, ok := c.state.Version(); ok {
		next = version + 1
	}

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		fetched, err := c.pullFrom(ctx, next, output)
		if err != nil {
			c.logger.Warn().Err(err).
				Stringer(logging.FieldBlockNumber, next).
				Msg("replay pull failed, will retry")
		}
		next += types.BlockNumber(fetched)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// pullFrom streams records from the peer starting at the given height and
// forwards each as a Replay command. Returns the number of records consumed.
func (c *Client) pullFrom(
	ctx context.Context,
	from types.BlockNumber,
	output chan<- executor.BlockCommand,
) (uint64, error) {
	url := fmt.Sprintf("http://%s/replay/stream?from=%d", c.peerAddress, from)
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return 0, err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("replay peer answered %s", response.Status)
	}

	fetched := uint64(0)
	decoder := json.NewDecoder(response.Body)
	for {
		var record types.ReplayRecord
		if err := decoder.Decode(&record); err != nil {
			if err == io.EOF {
				return fetched, nil
			}
			return fetched, err
		}
		if record.Number() != from+types.BlockNumber(fetched) {
			return fetched, fmt.Errorf("replay peer sent height %d, expected %d",
				record.Number(), from+types.BlockNumber(fetched))
		}
		if err := pipeline.Send(ctx, output, executor.ReplayCommand(&record)); err != nil {
			return fetched, err
		}
		fetched++
	}
}
