package rtpoll

import (
	"context"
	"log/slog"
	"time"

	"github.com/chorushall/chorus/internal/asyncq"
)

// A Handler processes one message popped off the loop's queue. Drivers
// wrap an object's handler to intercept their own message types before
// delegating.
type Handler func(msg any) error

// A Loop is the shell of an IO thread: it owns the message queue of the
// object it drives, dispatches queued messages between wakeups, and
// calls the driver's work function on a fixed cadence. Everything the
// loop invokes runs on the one goroutine executing Run, which is the
// only goroutine allowed to touch the object's IO-side state.
type Loop struct {
	logger *slog.Logger
	queue  *asyncq.Queue
}

func New(name string) *Loop {
	return &Loop{
		logger: slog.Default().With("rtpoll", name),
		queue:  asyncq.New(),
	}
}

// Queue is the message queue this loop drains.
func (l *Loop) Queue() *asyncq.Queue {
	return l.queue
}

// Run drives the loop until ctx is canceled. handler receives every
// queued message; work runs every period (or never, when period is 0 —
// a purely message-driven loop). Run closes the queue on the way out so
// blocked senders fail instead of hanging.
func (l *Loop) Run(ctx context.Context, handler Handler, period time.Duration, work func() error) {
	defer l.queue.Close()

	var tick <-chan time.Time
	if period > 0 {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case it := <-l.queue.Receive():
			it.Done(handler(it.Msg))
		case <-tick:
			// Messages queued before this wakeup take effect first.
			l.drain(handler)
			if err := work(); err != nil {
				l.logger.Error("IO loop work failed, stopping", "err", err)
				return
			}
		}
	}
}

// drain dispatches everything currently queued without blocking.
func (l *Loop) drain(handler Handler) {
	for {
		select {
		case it := <-l.queue.Receive():
			it.Done(handler(it.Msg))
		default:
			return
		}
	}
}
