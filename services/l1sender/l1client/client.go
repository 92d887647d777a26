package l1client

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	zenithcommon "github.com/zenithlabs/zenith/common"
)

// EthClient is the node's outgoing surface towards the settlement layer:
// transaction submission, receipt queries and the priority-event subscription.
type EthClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- ethtypes.Log) (ethereum.Subscription, error)
}

type retryingEthClient struct {
	inner       *ethclient.Client
	timeout     time.Duration
	retryRunner zenithcommon.RetryRunner
}

var _ EthClient = (*retryingEthClient)(nil)

// NewRetryingEthClient dials the endpoint and wraps every call with a bounded
// per-request timeout and exponential-backoff retries for transient blips.
func NewRetryingEthClient(
	ctx context.Context,
	endpoint string,
	timeout time.Duration,
	logger zerolog.Logger,
) (EthClient, error) {
	inner, err := ethclient.DialContext(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	retryRunner := zenithcommon.NewRetryRunner(zenithcommon.RetryConfig{
		ShouldRetry: zenithcommon.LimitRetries(3),
		NextDelay:   zenithcommon.ExponentialDelay(100*time.Millisecond, 2*time.Second),
	}, logger)

	return &retryingEthClient{
		inner:       inner,
		timeout:     timeout,
		retryRunner: retryRunner,
	}, nil
}

func retryCall[T any](
	c *retryingEthClient,
	ctx context.Context,
	call func(ctx context.Context) (T, error),
) (T, error) {
	var result T
	err := c.retryRunner.Do(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		var callErr error
		result, callErr = call(callCtx)
		return callErr
	})
	return result, err
}

func (c *retryingEthClient) ChainID(ctx context.Context) (*big.Int, error) {
	return retryCall(c, ctx, c.inner.ChainID)
}

func (c *retryingEthClient) BlockNumber(ctx context.Context) (uint64, error) {
	return retryCall(c, ctx, c.inner.BlockNumber)
}

func (c *retryingEthClient) HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error) {
	return retryCall(c, ctx, func(ctx context.Context) (*ethtypes.Header, error) {
		return c.inner.HeaderByNumber(ctx, number)
	})
}

func (c *retryingEthClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return retryCall(c, ctx, func(ctx context.Context) (uint64, error) {
		return c.inner.PendingNonceAt(ctx, account)
	})
}

func (c *retryingEthClient) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return retryCall(c, ctx, c.inner.SuggestGasTipCap)
}

func (c *retryingEthClient) SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error {
	_, err := retryCall(c, ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.inner.SendTransaction(ctx, tx)
	})
	return err
}

func (c *retryingEthClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error) {
	// Receipt absence is meaningful (tx not mined yet) and must not be retried away.
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.inner.TransactionReceipt(callCtx, txHash)
}

func (c *retryingEthClient) SubscribeFilterLogs(
	ctx context.Context,
	q ethereum.FilterQuery,
	ch chan<- ethtypes.Log,
) (ethereum.Subscription, error) {
	return c.inner.SubscribeFilterLogs(ctx, q, ch)
}
