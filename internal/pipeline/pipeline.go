package pipeline

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"github.com/zenithlabs/zenith/common/logging"
	"golang.org/x/sync/errgroup"
)

// ErrClosed is returned by Recv when the upstream component has exited and its
// buffer is drained.
var ErrClosed = errors.New("pipeline channel closed")

// Component transforms a typed input stream into a typed output stream. Each
// component is hosted as an independent task; its output channel is bounded, so
// a send blocks when the downstream buffer is full and backpressure propagates
// upstream naturally.
type Component[In, Out any] interface {
	Name() string
	OutputBufferSize() int
	Run(ctx context.Context, input *PeekableReceiver[In], output chan<- Out) error
}

// PeekableReceiver wraps a receive channel with single-item lookahead and an
// optional prepended backlog (used to reschedule messages on startup).
type PeekableReceiver[T any] struct {
	ch      <-chan T
	prepend []T
}

func NewPeekableReceiver[T any](ch <-chan T) *PeekableReceiver[T] {
	return &PeekableReceiver[T]{ch: ch}
}

// Prepend queues items to be received before anything from the channel.
func (r *PeekableReceiver[T]) Prepend(items []T) *PeekableReceiver[T] {
	r.prepend = append(items, r.prepend...)
	return r
}

// Recv returns the next item. ErrClosed signals a clean upstream exit.
func (r *PeekableReceiver[T]) Recv(ctx context.Context) (T, error) {
	var zero T
	if len(r.prepend) > 0 {
		item := r.prepend[0]
		r.prepend = r.prepend[1:]
		return item, nil
	}

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case item, ok := <-r.ch:
		if !ok {
			return zero, ErrClosed
		}
		return item, nil
	}
}

// TryRecv returns the next item without blocking.
func (r *PeekableReceiver[T]) TryRecv() (T, bool) {
	var zero T
	if len(r.prepend) > 0 {
		item := r.prepend[0]
		r.prepend = r.prepend[1:]
		return item, true
	}
	select {
	case item, ok := <-r.ch:
		if !ok {
			return zero, false
		}
		return item, true
	default:
		return zero, false
	}
}

type task struct {
	name string
	run  func(ctx context.Context) error
}

// Pipeline chains components over bounded channels. Relations between
// components flow along channels in one direction only; there are no runtime
// cycles.
type Pipeline[Out any] struct {
	tasks    []task
	receiver *PeekableReceiver[Out]
	logger   zerolog.Logger
}

// New starts an empty pipeline. The first piped component ignores its input.
func New() *Pipeline[struct{}] {
	ch := make(chan struct{})
	close(ch)
	return &Pipeline[struct{}]{
		receiver: NewPeekableReceiver[struct{}](ch),
		logger:   logging.NewLogger("pipeline"),
	}
}

// Pipe appends a component, wiring the pipeline's current output stream into
// it and exposing the component's output stream downstream.
func Pipe[In, Out any](p *Pipeline[In], component Component[In, Out]) *Pipeline[Out] {
	return pipe(p, component, nil)
}

// PipeWithPrepend is Pipe with messages rescheduled ahead of the live stream.
func PipeWithPrepend[In, Out any](p *Pipeline[In], component Component[In, Out], prepend []In) *Pipeline[Out] {
	return pipe(p, component, prepend)
}

func pipe[In, Out any](p *Pipeline[In], component Component[In, Out], prepend []In) *Pipeline[Out] {
	output := make(chan Out, component.OutputBufferSize())
	input := p.receiver.Prepend(prepend)
	name := component.Name()
	logger := p.logger

	run := func(ctx context.Context) error {
		defer close(output)
		err := component.Run(ctx, input, output)
		switch {
		case err == nil || errors.Is(err, ErrClosed):
			logger.Info().Str(logging.FieldComponent, name).Msg("pipeline component finished")
			return nil
		case errors.Is(err, context.Canceled):
			return nil
		default:
			logger.Error().Err(err).Str(logging.FieldComponent, name).Msg("pipeline component failed")
			return err
		}
	}

	return &Pipeline[Out]{
		tasks:    append(p.tasks, task{name: name, run: run}),
		receiver: NewPeekableReceiver[Out](output),
		logger:   logger,
	}
}

// Receiver hands the terminal output stream to a caller outside the pipeline.
func (p *Pipeline[Out]) Receiver() *PeekableReceiver[Out] {
	return p.receiver
}

// Spawn launches every component task in the group. A failing component
// cancels the group context; the cancellation fans out to every other
// component, which drains the message in hand and exits.
func (p *Pipeline[Out]) Spawn(ctx context.Context, g *errgroup.Group) {
	for _, t := range p.tasks {
		g.Go(func() error {
			return t.run(ctx)
		})
	}
}
