// Package queue carries job references between producers and the worker pool
// with at-least-once delivery: a received message stays invisible for the
// visibility timeout and reappears unless it is deleted.
package queue

import (
	"context"
	"time"
)

// Message is one delivery. Receipt identifies this delivery for Delete.
type Message struct {
	ID      string
	Receipt string
	Body    []byte
}

// Queue is implemented by NATS JetStream, SQS and the in-memory queue.
type Queue interface {
	Send(ctx context.Context, body []byte) error
	// Receive long-polls for up to max messages, waiting at most wait.
	Receive(ctx context.Context, max int, wait, visibility time.Duration) ([]Message, error)
	// Delete acknowledges a delivery so it is never redelivered.
	Delete(ctx context.Context, receipt string) error
	// Release gives a delivery up without acknowledging it. The message
	// reappears after the visibility timeout.
	Release(ctx context.Context, receipt string) error
	// Skip passes on a message this consumer has no handler for. Queues
	// shared with other consumers keep it for them.
	Skip(ctx context.Context, receipt string) error
	Ping(ctx context.Context) error
	Close()
}
