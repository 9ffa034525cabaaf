package queue

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"
)

// Memory is an in-process queue with visibility-timeout semantics, used by
// tests and by single-binary development setups.
type Memory struct {
	mu       sync.Mutex
	seq      int
	messages []*memMessage
	notify   chan struct{}
	closed   bool

	released int
	skipped  int

	// SendError and ReceiveError inject failures.
	SendError    error
	ReceiveError error
}

type memMessage struct {
	id         string
	body       []byte
	receipt    string
	invisUntil time.Time
	deliveries int
}

func NewMemory() *Memory {
	return &Memory{notify: make(chan struct{}, 1)}
}

func (q *Memory) Send(ctx context.Context, body []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.SendError != nil {
		return q.SendError
	}
	if q.closed {
		return errors.New("queue closed")
	}
	q.seq++
	q.messages = append(q.messages, &memMessage{id: "m-" + strconv.Itoa(q.seq), body: append([]byte(nil), body...)})
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

func (q *Memory) Receive(ctx context.Context, max int, wait, visibility time.Duration) ([]Message, error) {
	deadline := time.Now().Add(wait)
	for {
		msgs, err := q.take(max, visibility)
		if err != nil || len(msgs) > 0 {
			return msgs, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-q.notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (q *Memory) take(max int, visibility time.Duration) ([]Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ReceiveError != nil {
		return nil, q.ReceiveError
	}
	now := time.Now()
	var out []Message
	for _, m := range q.messages {
		if len(out) >= max {
			break
		}
		if now.Before(m.invisUntil) {
			continue
		}
		q.seq++
		m.deliveries++
		m.receipt = m.id + "/" + strconv.Itoa(q.seq)
		m.invisUntil = now.Add(visibility)
		out = append(out, Message{ID: m.id, Receipt: m.receipt, Body: m.body})
	}
	return out, nil
}

// Delete acknowledges a delivery. Receipts of older deliveries are stale and
// fail, matching SQS behaviour after a visibility timeout.
func (q *Memory) Delete(ctx context.Context, receipt string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.find(receipt)
	if i < 0 {
		return errors.New("unknown or stale receipt")
	}
	q.messages = append(q.messages[:i], q.messages[i+1:]...)
	return nil
}

// Release leaves the message invisible until its timeout runs out.
func (q *Memory) Release(ctx context.Context, receipt string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.find(receipt) < 0 {
		return errors.New("unknown or stale receipt")
	}
	q.released++
	return nil
}

// Skip leaves the message for other consumers of the queue.
func (q *Memory) Skip(ctx context.Context, receipt string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.find(receipt) < 0 {
		return errors.New("unknown or stale receipt")
	}
	q.skipped++
	return nil
}

func (q *Memory) find(receipt string) int {
	for i, m := range q.messages {
		if m.receipt == receipt {
			return i
		}
	}
	return -1
}

// Released and Skipped count deliveries given back through Release and Skip.
func (q *Memory) Released() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.released
}

func (q *Memory) Skipped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.skipped
}

// Len returns the number of messages not yet deleted.
func (q *Memory) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

func (q *Memory) Ping(ctx context.Context) error {
	return nil
}

func (q *Memory) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}
