// Package queue is the Queue Adapter (spec.md §4.4): long-poll
// receive with a visibility timeout, per-message ack, and an
// implicit release on timeout. Attempt counting and dead-lettering
// are the queue's job (redrive policy), never the caller's.
package queue

import "context"

// Message is a single delivery from the queue. ReceiptHandle is
// opaque to callers; it must be passed back to Ack to delete the
// message.
type Message struct {
	ID            string
	ReceiptHandle string
	Body          []byte
}

// Queue is the minimal contract the coordinator and worker runtime
// need: receive a batch, and ack individual messages. There is no
// Release method — a message left un-acked simply becomes visible
// again after the queue's visibility timeout elapses.
type Queue interface {
	// Receive long-polls for up to maxMessages deliveries, blocking
	// for up to the adapter's configured wait time. May return zero
	// messages.
	Receive(ctx context.Context, maxMessages int32) ([]Message, error)

	// Ack deletes a message, signaling successful processing.
	Ack(ctx context.Context, msg Message) error
}
