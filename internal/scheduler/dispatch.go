package scheduler

import (
	"context"
	"log/slog"

	"playout-engine/internal/platform/metrics"
)

const defaultQueueSize = 256

type command struct {
	name string
	run  func(ctx context.Context) error
}

// dispatcher runs gateway side effects in order on its own goroutine so a
// slow socket never stalls the scheduler loop. When the queue is full the
// command is dropped.
type dispatcher struct {
	queue   chan command
	done    chan struct{}
	log     *slog.Logger
	metrics *metrics.Metrics
}

func newDispatcher(size int, log *slog.Logger, m *metrics.Metrics) *dispatcher {
	if size <= 0 {
		size = defaultQueueSize
	}
	return &dispatcher{
		queue:   make(chan command, size),
		done:    make(chan struct{}),
		log:     log,
		metrics: m,
	}
}

func (d *dispatcher) enqueue(name string, run func(ctx context.Context) error) {
	select {
	case d.queue <- command{name: name, run: run}:
	default:
		d.metrics.IncCommandDropped("queue_full")
		d.log.Warn("gateway queue full, command dropped", slog.String("command", name))
	}
}

func (d *dispatcher) run(ctx context.Context) {
	defer close(d.done)
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-d.queue:
			if err := c.run(ctx); err != nil {
				d.log.Warn("gateway command rejected", slog.String("command", c.name), slog.Any("error", err))
			}
		}
	}
}

// barrier returns once every command queued before it has run.
func (d *dispatcher) barrier(ctx context.Context) error {
	reached := make(chan struct{})
	c := command{name: "barrier", run: func(context.Context) error {
		close(reached)
		return nil
	}}
	select {
	case d.queue <- c:
	case <-ctx.Done():
		return ctx.Err()
	case <-d.done:
		return ErrStopped
	}
	select {
	case <-reached:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-d.done:
		return ErrStopped
	}
}
