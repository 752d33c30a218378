package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// MemoryQueue is an in-process Queue used by tests. It models
// visibility timeouts and a dead-letter policy closely enough to
// exercise the coordinator and worker runtime without a live SQS
// queue.
type MemoryQueue struct {
	mu                sync.Mutex
	clock             clock.Clock
	visibilityTimeout int64 // nanoseconds, compared against clock time
	maxReceiveCount   int
	pending           []*memoryMessage
	inFlight          map[string]*memoryMessage
	dlq               []*memoryMessage
}

type memoryMessage struct {
	id            string
	body          []byte
	receiveCount  int
	visibleAt     int64 // unix nanos; zero means immediately visible
	receiptHandle string
}

// NewMemoryQueue creates an empty MemoryQueue with the given
// visibility timeout and max receive count (after which a message is
// dead-lettered instead of redelivered).
func NewMemoryQueue(clk clock.Clock, visibilityTimeout int64, maxReceiveCount int) *MemoryQueue {
	return &MemoryQueue{
		clock:             clk,
		visibilityTimeout: visibilityTimeout,
		maxReceiveCount:   maxReceiveCount,
		inFlight:          make(map[string]*memoryMessage),
	}
}

// Send enqueues a new message body.
func (q *MemoryQueue) Send(body []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, &memoryMessage{
		id:   uuid.NewString(),
		body: body,
	})
}

func (q *MemoryQueue) Receive(_ context.Context, maxMessages int32) ([]Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now().UnixNano()
	q.requeueExpiredLocked(now)

	var out []Message
	var remaining []*memoryMessage
	for _, m := range q.pending {
		if int32(len(out)) >= maxMessages {
			remaining = append(remaining, m)
			continue
		}
		m.receiveCount++
		if m.receiveCount > q.maxReceiveCount {
			q.dlq = append(q.dlq, m)
			continue
		}
		m.receiptHandle = fmt.Sprintf("%s-%d", m.id, m.receiveCount)
		m.visibleAt = now + q.visibilityTimeout
		q.inFlight[m.receiptHandle] = m
		out = append(out, Message{ID: m.id, ReceiptHandle: m.receiptHandle, Body: m.body})
	}
	q.pending = remaining
	return out, nil
}

func (q *MemoryQueue) Ack(_ context.Context, msg Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inFlight, msg.ReceiptHandle)
	return nil
}

// requeueExpiredLocked moves any in-flight message whose visibility
// timeout has elapsed back onto the pending list. Callers must hold
// q.mu.
func (q *MemoryQueue) requeueExpiredLocked(now int64) {
	for handle, m := range q.inFlight {
		if m.visibleAt <= now {
			delete(q.inFlight, handle)
			q.pending = append(q.pending, m)
		}
	}
}

// DeadLettered returns the bodies of messages the queue has moved to
// its dead-letter queue.
func (q *MemoryQueue) DeadLettered() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([][]byte, len(q.dlq))
	for i, m := range q.dlq {
		out[i] = m.body
	}
	return out
}
