package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type producer struct {
	count int
}

func (p *producer) Name() string          { return "producer" }
func (p *producer) OutputBufferSize() int { return 2 }

func (p *producer) Run(ctx context.Context, _ *PeekableReceiver[struct{}], output chan<- int) error {
	for i := range p.count {
		if err := Send(ctx, output, i); err != nil {
			return err
		}
	}
	return nil
}

type doubler struct{}

func (d *doubler) Name() string          { return "doubler" }
func (d *doubler) OutputBufferSize() int { return 2 }

func (d *doubler) Run(ctx context.Context, input *PeekableReceiver[int], output chan<- int) error {
	for {
		v, err := input.Recv(ctx)
		if err != nil {
			return err
		}
		if err := Send(ctx, output, v*2); err != nil {
			return err
		}
	}
}

func TestPipelineOrderPreserved(t *testing.T) {
	p := Pipe(Pipe(New(), &producer{count: 10}), &doubler{})

	ctx := context.Background()
	g, gCtx := errgroup.WithContext(ctx)
	p.Spawn(gCtx, g)

	receiver := p.Receiver()
	var got []int
	for {
		v, err := receiver.Recv(ctx)
		if errors.Is(err, ErrClosed) {
			break
		}
		require.NoError(t, err)
		got = append(got, v)
	}
	require.NoError(t, g.Wait())

	require.Len(t, got, 10)
	for i, v := range got {
		require.Equal(t, i*2, v)
	}
}

func TestPipelinePrepend(t *testing.T) {
	p := PipeWithPrepend(Pipe(New(), &producer{count: 2}), &doubler{}, []int{100, 200})

	ctx := context.Background()
	g, gCtx := errgroup.WithContext(ctx)
	p.Spawn(gCtx, g)

	receiver := p.Receiver()
	var got []int
	for {
		v, err := receiver.Recv(ctx)
		if errors.Is(err, ErrClosed) {
			break
		}
		require.NoError(t, err)
		got = append(got, v)
	}
	require.NoError(t, g.Wait())

	require.Equal(t, []int{200, 400, 0, 2}, got)
}

type countingProducer struct {
	count int
	sent  atomic.Int64
}

func (p *countingProducer) Name() string          { return "counting_producer" }
func (p *countingProducer) OutputBufferSize() int { return 2 }

func (p *countingProducer) Run(ctx context.Context, _ *PeekableReceiver[struct{}], output chan<- int) error {
	for i := range p.count {
		if err := Send(ctx, output, i); err != nil {
			return err
		}
		p.sent.Add(1)
	}
	return nil
}

func TestBackpressureBlocksProducer(t *testing.T) {
	// No consumer: the producer must stall once the bounded buffer is full.
	prod := &countingProducer{count: 100}
	p := Pipe(New(), prod)

	ctx, cancel := context.WithCancel(context.Background())
	g, gCtx := errgroup.WithContext(ctx)
	p.Spawn(gCtx, g)

	time.Sleep(50 * time.Millisecond)

	// Buffer capacity plus the one send in flight bounds unacknowledged work.
	require.LessOrEqual(t, prod.sent.Load(), int64(prod.OutputBufferSize()+1))

	cancel()
	require.NoError(t, g.Wait())
}

func TestStateReporter(t *testing.T) {
	reporter := &StateReporter{states: make(map[string]string)}
	handle := reporter.HandleFor("sequencer", "waiting")
	handle.Enter("executing")

	snapshot := reporter.Snapshot()
	require.Equal(t, "executing", snapshot["sequencer"])
}
