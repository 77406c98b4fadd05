package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// OrderResult is the outcome of one queued order.
type OrderResult struct {
	OrderID string
	Err     error
}

type orderJob struct {
	ctx    context.Context
	params OrderParams
	done   chan OrderResult
}

// OrderWorker serializes order placement through a single consumer so orders
// reach the broker strictly in submission order, one at a time.
type OrderWorker struct {
	broker Broker
	jobs   chan orderJob
	logger *logrus.Logger

	closeOnce sync.Once
	closed    chan struct{}
	drained   chan struct{}
}

// NewOrderWorker starts the consumer goroutine.
func NewOrderWorker(b Broker, logger *logrus.Logger) *OrderWorker {
	if logger == nil {
		logger = logrus.New()
	}
	w := &OrderWorker{
		broker:  b,
		jobs:    make(chan orderJob, 64),
		logger:  logger,
		closed:  make(chan struct{}),
		drained: make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *OrderWorker) run() {
	defer close(w.drained)
	for {
		select {
		case job := <-w.jobs:
			job.done <- w.place(job.ctx, job.params)
		case <-w.closed:
			// Drain anything that raced in before the close.
			for {
				select {
				case job := <-w.jobs:
					job.done <- w.place(job.ctx, job.params)
				default:
					return
				}
			}
		}
	}
}

// place resolves exactly one result per job, even when the broker panics.
func (w *OrderWorker) place(ctx context.Context, p OrderParams) (res OrderResult) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.WithField("symbol", p.Symbol).Errorf("order placement panicked: %v", r)
			res = OrderResult{Err: fmt.Errorf("order placement panicked: %v", r)}
		}
	}()

	if err := ctx.Err(); err != nil {
		return OrderResult{Err: err}
	}
	id, err := w.broker.PlaceOrder(ctx, p)
	return OrderResult{OrderID: id, Err: err}
}

// Submit enqueues an order and returns a channel that receives exactly one
// result. A closed worker resolves immediately with an error.
func (w *OrderWorker) Submit(ctx context.Context, p OrderParams) <-chan OrderResult {
	done := make(chan OrderResult, 1)
	select {
	case <-w.closed:
		done <- OrderResult{Err: fmt.Errorf("order worker closed")}
		return done
	default:
	}

	select {
	case w.jobs <- orderJob{ctx: ctx, params: p, done: done}:
	case <-w.closed:
		done <- OrderResult{Err: fmt.Errorf("order worker closed")}
	case <-ctx.Done():
		done <- OrderResult{Err: ctx.Err()}
	}
	return done
}

// Close stops accepting jobs and waits for queued orders to finish.
func (w *OrderWorker) Close() {
	w.closeOnce.Do(func() { close(w.closed) })
	<-w.drained
}
