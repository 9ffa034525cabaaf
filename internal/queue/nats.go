package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	JobsStreamName  = "JOBS"
	JobsSubjectBase = "jobs"
)

// NATSConfig configures the JetStream queue. AckWait plays the role of the
// visibility timeout and is fixed when the consumer is created.
type NATSConfig struct {
	URL        string
	Consumer   string
	AckWait    time.Duration
	MaxDeliver int
}

// NATS is a queue on an interest-retained JetStream stream with a durable
// pull consumer per consumer group. Delete acknowledges the delivery; an
// unacknowledged message is redelivered after AckWait. A message stays in
// the stream until every consumer group acknowledged it.
type NATS struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	cons    jetstream.Consumer
	pending *receipts
}

func NewNATS(ctx context.Context, cfg NATSConfig) (*NATS, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	if cfg.Consumer == "" {
		cfg.Consumer = "eventfaces-worker"
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = 5 * time.Minute
	}

	q := &NATS{nc: nc, js: js, pending: newReceipts(cfg.AckWait)}
	if err := q.ensureStream(ctx); err != nil {
		nc.Close()
		return nil, err
	}
	cons, err := js.CreateOrUpdateConsumer(ctx, JobsStreamName, jetstream.ConsumerConfig{
		Name:          cfg.Consumer,
		Durable:       cfg.Consumer,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       cfg.AckWait,
		MaxDeliver:    cfg.MaxDeliver,
		FilterSubject: JobsSubjectBase + ".>",
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create consumer %s: %w", cfg.Consumer, err)
	}
	q.cons = cons
	return q, nil
}

// ensureStream creates the JOBS stream, retrying while NATS starts up. The
// retention of an existing stream cannot change, so a stream created with
// another policy is reported instead of retried.
func (q *NATS) ensureStream(ctx context.Context) error {
	cfg := jetstream.StreamConfig{
		Name:        JobsStreamName,
		Subjects:    []string{JobsSubjectBase + ".>"},
		Retention:   jetstream.InterestPolicy,
		MaxAge:      7 * 24 * time.Hour,
		Storage:     jetstream.FileStorage,
		Duplicates:  2 * time.Minute,
		Description: "Face matching job references",
	}

	const maxAttempts = 30
	for attempt := 1; ; attempt++ {
		opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := q.checkRetention(opCtx, cfg)
		if err == nil {
			_, err = q.js.CreateOrUpdateStream(opCtx, cfg)
		}
		cancel()
		if errors.Is(err, errRetentionMismatch) {
			return err
		}
		if err == nil {
			slog.Info("ensured NATS stream", "name", cfg.Name)
			return nil
		}
		if attempt == maxAttempts {
			return fmt.Errorf("create stream %s: %w (after %d attempts)", cfg.Name, err, maxAttempts)
		}
		slog.Warn("ensure NATS stream (retrying...)", "name", cfg.Name, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

var errRetentionMismatch = errors.New("stream retention mismatch")

// checkRetention fails when the stream already exists with another retention
// policy. Such a stream has to be deleted (nats stream rm JOBS) before the
// worker can start.
func (q *NATS) checkRetention(ctx context.Context, cfg jetstream.StreamConfig) error {
	stream, err := q.js.Stream(ctx, cfg.Name)
	if errors.Is(err, jetstream.ErrStreamNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if got := stream.CachedInfo().Config.Retention; got != cfg.Retention {
		return fmt.Errorf("%w: stream %s has %s retention, want %s; delete it with `nats stream rm %s`",
			errRetentionMismatch, cfg.Name, got, cfg.Retention, cfg.Name)
	}
	return nil
}

func (q *NATS) Send(ctx context.Context, body []byte) error {
	if _, err := q.js.Publish(ctx, JobsSubjectBase+".submit", body); err != nil {
		return fmt.Errorf("publish job: %w", err)
	}
	return nil
}

// Receive fetches up to max messages. The visibility argument is ignored:
// the consumer's AckWait applies.
func (q *NATS) Receive(ctx context.Context, max int, wait, _ time.Duration) ([]Message, error) {
	batch, err := q.cons.Fetch(max, jetstream.FetchMaxWait(wait))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch jobs: %w", err)
	}

	q.pending.prune(time.Now())

	var out []Message
	for msg := range batch.Messages() {
		meta, err := msg.Metadata()
		if err != nil {
			slog.Warn("job message without metadata", "error", err)
			_ = msg.Term()
			continue
		}
		receipt := q.pending.add(msg, meta.Sequence.Stream, meta.NumDelivered, time.Now())
		out = append(out, Message{
			ID:      strconv.FormatUint(meta.Sequence.Stream, 10),
			Receipt: receipt,
			Body:    msg.Data(),
		})
	}
	if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) && len(out) == 0 {
		return nil, fmt.Errorf("fetch jobs: %w", err)
	}
	return out, nil
}

func (q *NATS) Delete(ctx context.Context, receipt string) error {
	msg, err := q.pending.take(receipt)
	if err != nil {
		return err
	}
	if err := msg.DoubleAck(ctx); err != nil {
		return fmt.Errorf("ack job message: %w", err)
	}
	return nil
}

// Release forgets the delivery; the server redelivers it after AckWait.
func (q *NATS) Release(ctx context.Context, receipt string) error {
	_, err := q.pending.take(receipt)
	return err
}

// Skip acknowledges the message for this consumer only. Consumers with
// their own durable still receive it.
func (q *NATS) Skip(ctx context.Context, receipt string) error {
	msg, err := q.pending.take(receipt)
	if err != nil {
		return err
	}
	if err := msg.Ack(); err != nil {
		return fmt.Errorf("ack skipped message: %w", err)
	}
	return nil
}

// Depth returns the number of messages this consumer has yet to
// acknowledge.
func (q *NATS) Depth(ctx context.Context) (uint64, error) {
	info, err := q.cons.Info(ctx)
	if err != nil {
		return 0, err
	}
	return info.NumPending + uint64(info.NumAckPending), nil
}

func (q *NATS) Ping(ctx context.Context) error {
	if !q.nc.IsConnected() {
		return fmt.Errorf("nats not connected")
	}
	return nil
}

func (q *NATS) Close() {
	q.nc.Close()
}
