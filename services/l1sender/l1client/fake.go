package l1client

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
)

// FakeClient is an in-process L1 used in tests and in disabled-L1 mode. Every
// submitted transaction is mined into the next fake block; reverts and stalls
// can be injected per-call. It also lets tests emit priority-transaction logs
// to subscribed watchers.
type FakeClient struct {
	mu            sync.Mutex
	chainID       *big.Int
	head          uint64
	nonces        map[common.Address]uint64
	receipts      map[common.Hash]*ethtypes.Receipt
	sent          []*ethtypes.Transaction
	revertNext    int
	stalled       bool
	subscriptions []*fakeSubscription
}

var _ EthClient = (*FakeClient)(nil)

func NewFakeClient() *FakeClient {
	return &FakeClient{
		chainID:  big.NewInt(1337),
		head:     100,
		nonces:   make(map[common.Address]uint64),
		receipts: make(map[common.Hash]*ethtypes.Receipt),
	}
}

// RevertNext makes the next n submitted transactions revert.
func (c *FakeClient) RevertNext(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.revertNext = n
}

// SetStalled suspends mining: submitted transactions get no receipt.
func (c *FakeClient) SetStalled(stalled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stalled = stalled
}

// SentCount returns the number of submitted transactions.
func (c *FakeClient) SentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

// SentData returns the calldata of the i-th submitted transaction.
func (c *FakeClient) SentData(i int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent[i].Data()
}

func (c *FakeClient) ChainID(context.Context) (*big.Int, error) {
	return c.chainID, nil
}

func (c *FakeClient) BlockNumber(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.head++ // every poll observes a fresh head, so finality depth is reached
	return c.head, nil
}

func (c *FakeClient) HeaderByNumber(_ context.Context, number *big.Int) (*ethtypes.Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	head := new(big.Int).SetUint64(c.head)
	if number != nil {
		head = number
	}
	return &ethtypes.Header{Number: head, BaseFee: big.NewInt(1_000_000_000)}, nil
}

func (c *FakeClient) PendingNonceAt(_ context.Context, account common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nonces[account], nil
}

func (c *FakeClient) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (c *FakeClient) SendTransaction(_ context.Context, tx *ethtypes.Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sender, err := ethtypes.Sender(ethtypes.LatestSignerForChainID(c.chainID), tx)
	if err != nil {
		return fmt.Errorf("cannot recover fake tx sender: %w", err)
	}
	c.nonces[sender] = tx.Nonce() + 1
	c.sent = append(c.sent, tx)

	if c.stalled {
		return nil
	}

	status := ethtypes.ReceiptStatusSuccessful
	if c.revertNext > 0 {
		c.revertNext--
		status = ethtypes.ReceiptStatusFailed
	}
	c.head++
	c.receipts[tx.Hash()] = &ethtypes.Receipt{
		TxHash:      tx.Hash(),
		Status:      status,
		BlockNumber: new(big.Int).SetUint64(c.head),
		GasUsed:     21_000,
	}
	return nil
}

func (c *FakeClient) TransactionReceipt(_ context.Context, txHash common.Hash) (*ethtypes.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	receipt, ok := c.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

type fakeSubscription struct {
	logs chan<- ethtypes.Log
	errs chan error
	q    ethereum.FilterQuery
}

func (s *fakeSubscription) Unsubscribe()      { close(s.errs) }
func (s *fakeSubscription) Err() <-chan error { return s.errs }

func (c *FakeClient) SubscribeFilterLogs(
	_ context.Context,
	q ethereum.FilterQuery,
	ch chan<- ethtypes.Log,
) (ethereum.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub := &fakeSubscription{logs: ch, errs: make(chan error, 1), q: q}
	c.subscriptions = append(c.subscriptions, sub)
	return sub, nil
}

// EmitLog delivers a log event to all matching subscribers.
func (c *FakeClient) EmitLog(log ethtypes.Log) error {
	c.mu.Lock()
	subs := append([]*fakeSubscription(nil), c.subscriptions...)
	c.mu.Unlock()

	if len(subs) == 0 {
		return errors.New("no active log subscriptions")
	}
	for _, sub := range subs {
		sub.logs <- log
	}
	return nil
}
