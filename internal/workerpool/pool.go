// Package workerpool is the Worker Runtime (spec.md §4.6): a fixed
// pool of goroutines that pull messages from the Queue Adapter and
// dispatch them to the Coordinator, the way the teacher's worker
// package pulls Coordinate attempts and dispatches them to task
// functions.
package workerpool

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/snapfleet/worker/internal/coordinator"
	"github.com/snapfleet/worker/internal/queue"
)

// defaultShutdownTimeout bounds how long Run waits for in-flight
// handlers to finish once its context is cancelled, per spec.md §4.6
// and §5.
const defaultShutdownTimeout = 30 * time.Second

// Pool runs Concurrency goroutines, each looping Receive -> Handle ->
// Ack/leave-for-redelivery, until its context is cancelled.
type Pool struct {
	// Queue is the source of messages to process.
	Queue queue.Queue

	// Coordinator processes a single message body.
	Coordinator *coordinator.Coordinator

	// Concurrency is how many receive loops run in parallel. If
	// unset, uses runtime.NumCPU().
	Concurrency int

	// ReceiveBatchSize is how many messages a single Receive call
	// asks for. If unset, defaults to 1.
	ReceiveBatchSize int32

	// PollBackoff is how long an idle receive loop waits before
	// trying again after getting no message. If unset, defaults to
	// 1 second.
	PollBackoff time.Duration

	// ShutdownTimeout bounds how long Run waits, once its context is
	// cancelled, for in-flight Handle calls to finish before forcing
	// them to abort. If unset, defaults to 30 seconds.
	ShutdownTimeout time.Duration

	// Clock defines a time source; only test code should need to set
	// this. If unset, uses the real wall clock.
	Clock clock.Clock

	// Logger receives structured per-message and lifecycle logs.
	Logger *logrus.Logger

	// ErrorHandler, if set, is called whenever a receive or handle
	// call returns an unexpected error. It must not block.
	ErrorHandler func(error)
}

func (p *Pool) setDefaults() {
	if p.Concurrency == 0 {
		p.Concurrency = runtime.NumCPU()
	}
	if p.ReceiveBatchSize == 0 {
		p.ReceiveBatchSize = 1
	}
	if p.PollBackoff == 0 {
		p.PollBackoff = time.Second
	}
	if p.ShutdownTimeout == 0 {
		p.ShutdownTimeout = defaultShutdownTimeout
	}
	if p.Clock == nil {
		p.Clock = clock.New()
	}
	if p.Logger == nil {
		p.Logger = logrus.New()
	}
}

// Run starts Concurrency worker goroutines that receive off ctx and
// stop pulling new messages once ctx is cancelled. In-flight Handle
// calls run on a context of their own, detached from ctx, so a
// shutdown signal lets them finish rather than aborting a render or
// upload partway through (spec.md §4.6, §5). Run blocks until either
// every in-flight handler has drained, or ShutdownTimeout elapses
// after ctx is cancelled, whichever comes first. It returns 0 on a
// clean drain and 1 if the deadline was exceeded and handlers had to
// be force-cancelled.
func (p *Pool) Run(ctx context.Context) int {
	p.setDefaults()

	handlerCtx, cancelHandlers := context.WithCancel(context.Background())
	defer cancelHandlers()

	var wg sync.WaitGroup
	for i := 0; i < p.Concurrency; i++ {
		wg.Add(1)
		workerID := i
		go func() {
			defer wg.Done()
			p.loop(ctx, handlerCtx, workerID)
		}()
	}

	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		p.Logger.Info("worker pool drained, exiting")
		return 0
	case <-ctx.Done():
	}

	p.Logger.WithField("timeout", p.ShutdownTimeout).Info("shutdown signal received, draining in-flight handlers")
	select {
	case <-drained:
		p.Logger.Info("worker pool drained, exiting")
		return 0
	case <-p.Clock.After(p.ShutdownTimeout):
		p.Logger.Warn("shutdown deadline exceeded, aborting in-flight handlers")
		cancelHandlers()
		<-drained
		return 1
	}
}

// loop is the body of a single worker goroutine. receiveCtx governs
// Receive calls and is cancelled on shutdown so the loop stops asking
// for new work; handlerCtx governs Handle calls and is cancelled only
// by Run's deadline, so an in-flight handler is allowed to finish.
func (p *Pool) loop(receiveCtx, handlerCtx context.Context, workerID int) {
	log := p.Logger.WithField("worker", workerID)
	for {
		select {
		case <-receiveCtx.Done():
			return
		default:
		}

		msgs, err := p.Queue.Receive(receiveCtx, p.ReceiveBatchSize)
		if err != nil {
			if receiveCtx.Err() != nil {
				return
			}
			log.WithError(err).Error("receive failed")
			p.handleError(err)
			p.sleep(receiveCtx, p.PollBackoff)
			continue
		}
		if len(msgs) == 0 {
			p.sleep(receiveCtx, p.PollBackoff)
			continue
		}

		for _, msg := range msgs {
			p.process(handlerCtx, log, msg)
		}
	}
}

// process handles a single delivered message and acks it on success.
// A Nack disposition is a no-op here: the message's visibility
// timeout will simply expire and the queue will redeliver it (or, on
// repeated redelivery, move it to the dead-letter queue via the
// queue's own redrive policy). ctx is the handler context, not the
// receive context, so a shutdown signal alone never aborts this call.
func (p *Pool) process(ctx context.Context, log *logrus.Entry, msg queue.Message) {
	disposition, err := p.Coordinator.Handle(ctx, msg.Body)
	if disposition == coordinator.Ack {
		if ackErr := p.Queue.Ack(ctx, msg); ackErr != nil {
			log.WithError(ackErr).Error("ack failed")
			p.handleError(ackErr)
		}
		return
	}
	if err != nil {
		log.WithError(err).Warn("handle returned nack, leaving for redelivery")
	}
}

func (p *Pool) handleError(err error) {
	if p.ErrorHandler != nil {
		p.ErrorHandler(err)
	}
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) {
	timer := p.Clock.Timer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
