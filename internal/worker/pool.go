// Package worker runs the poll-process-ack loops that drive jobs from the
// queue to a terminal status.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/your-org/eventfaces/internal/blob"
	"github.com/your-org/eventfaces/internal/jobs"
	"github.com/your-org/eventfaces/internal/matching"
	"github.com/your-org/eventfaces/internal/models"
	"github.com/your-org/eventfaces/internal/observability"
	"github.com/your-org/eventfaces/internal/queue"
	"github.com/your-org/eventfaces/internal/storage"
)

// Matcher runs the matching algorithms for ingest and selfie jobs.
type Matcher interface {
	ProcessPhoto(ctx context.Context, eventID, photoID int64, image []byte) (matching.PhotoResult, error)
	ProcessSelfieUpdate(ctx context.Context, eventID, userID int64, image []byte) (int, error)
}

// PhotoFaces removes a photo's faces from the face index.
type PhotoFaces interface {
	DeletePhotoFaces(ctx context.Context, eventID, photoID int64) error
}

type Deps struct {
	Queue   queue.Queue
	Jobs    jobs.Store
	Matcher Matcher
	Faces   PhotoFaces
	Catalog storage.Catalog
	Matches storage.MatchStore
	Blobs   blob.Store
}

type Options struct {
	Count             int
	MaxMessages       int
	WaitTime          time.Duration
	VisibilityTimeout time.Duration
	DeleteBatchSize   int
	ErrorLimit        int
	// OrphanGrace is how old a PENDING job must be before the store poll
	// takes it without a queue message.
	OrphanGrace    time.Duration
	PollBackoff    time.Duration
	MaxPollBackoff time.Duration
}

type Pool struct {
	Deps
	opts Options
}

func New(deps Deps, opts Options) *Pool {
	if opts.Count < 1 {
		opts.Count = 1
	}
	if opts.MaxMessages < 1 {
		opts.MaxMessages = 1
	}
	if opts.DeleteBatchSize < 1 {
		opts.DeleteBatchSize = 100
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 15 * time.Minute
	}
	if opts.PollBackoff <= 0 {
		opts.PollBackoff = time.Second
	}
	if opts.MaxPollBackoff < opts.PollBackoff {
		opts.MaxPollBackoff = opts.PollBackoff
	}
	return &Pool{Deps: deps, opts: opts}
}

// Recover resets jobs a dead process left IN_PROGRESS. They are picked up
// again by the store poll.
func (p *Pool) Recover(ctx context.Context) ([]string, error) {
	ids, err := p.Jobs.RecoverUnfinished(ctx)
	if err != nil {
		return nil, err
	}
	slog.Info("unfinished jobs recovered", "jobs", len(ids))
	return ids, nil
}

// Run starts the worker loops and blocks until ctx is cancelled and every
// loop has finished its current job.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := range p.opts.Count {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.loop(ctx, i)
		}()
	}
	wg.Wait()
	slog.Info("worker pool stopped")
}

func (p *Pool) loop(ctx context.Context, id int) {
	log := slog.With("worker", id)
	log.Info("worker started")

	backoff := p.opts.PollBackoff
	for ctx.Err() == nil {
		err := p.poll(ctx)
		if err == nil || ctx.Err() != nil {
			backoff = p.opts.PollBackoff
			continue
		}

		log.Warn("poll cycle failed, backing off", "error", err, "backoff", backoff.String())
		select {
		case <-ctx.Done():
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, p.opts.MaxPollBackoff)
	}
	log.Info("worker stopped")
}

// poll runs one cycle: receive a batch and handle it, or take orphaned
// PENDING jobs from the store when the queue is empty. Only harness
// failures are returned.
func (p *Pool) poll(ctx context.Context) error {
	msgs, err := p.Queue.Receive(ctx, p.opts.MaxMessages, p.opts.WaitTime, p.opts.VisibilityTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	if len(msgs) == 0 {
		return p.pollStore(ctx)
	}

	for i, m := range msgs {
		// Stop between jobs; the rest of the batch reappears after the timeout.
		if ctx.Err() != nil {
			p.release(ctx, msgs[i:])
			return nil
		}
		if err := p.handleMessage(ctx, m); err != nil {
			p.release(ctx, msgs[i:])
			return err
		}
	}
	return nil
}

func (p *Pool) pollStore(ctx context.Context) error {
	pending, err := p.Jobs.ListPending(ctx, time.Now().Add(-p.opts.OrphanGrace), p.opts.MaxMessages)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	for i := range pending {
		if ctx.Err() != nil {
			return nil
		}
		job := pending[i]
		slog.Info("taking pending job without message", "job_id", job.ID, "kind", job.Kind)
		if _, err := p.execute(ctx, job.ID); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pool) handleMessage(ctx context.Context, m queue.Message) error {
	msg, err := queue.Decode(m.Body)
	switch {
	case errors.Is(err, queue.ErrUnknownJobType):
		observability.QueueMessages.WithLabelValues("ignored").Inc()
		slog.Debug("ignoring message", "message_id", m.ID, "error", err)
		if err := p.Queue.Skip(context.WithoutCancel(ctx), m.Receipt); err != nil {
			slog.Warn("skip message", "message_id", m.ID, "error", err)
		}
		return nil
	case err != nil:
		slog.Warn("dropping malformed message", "message_id", m.ID, "error", err)
		p.ack(ctx, m, "poison")
		return nil
	}

	job, err := p.resolve(ctx, msg)
	switch {
	case errors.Is(err, jobs.ErrNotFound), errors.Is(err, jobs.ErrDuplicateJob), errors.Is(err, errKindMismatch):
		slog.Warn("dropping message for unusable job", "message_id", m.ID, "job_id", msg.JobID, "error", err)
		p.ack(ctx, m, "poison")
		return nil
	case err != nil:
		return err
	}

	if job.Status.Terminal() {
		slog.Debug("job already finished", "job_id", job.ID, "status", job.Status)
		p.ack(ctx, m, "duplicate")
		return nil
	}

	finished, err := p.execute(ctx, job.ID)
	if err != nil {
		return err
	}
	if !finished {
		// Another worker holds the lease; the message comes back later.
		observability.QueueMessages.WithLabelValues("deferred").Inc()
		p.release(ctx, []queue.Message{m})
		return nil
	}
	p.ack(ctx, m, "acked")
	return nil
}

var errKindMismatch = errors.New("message type does not match job kind")

// resolve loads the job a message refers to. Photo and selfie messages
// create their job row if the producer did not.
func (p *Pool) resolve(ctx context.Context, msg queue.JobMessage) (*models.Job, error) {
	if msg.JobType == queue.TypeDeletePhotos {
		job, err := p.Jobs.Get(ctx, msg.JobID)
		if err != nil {
			return nil, err
		}
		if job.Kind != models.JobKindDelete {
			return nil, errKindMismatch
		}
		return job, nil
	}
	return p.Jobs.Create(ctx, jobs.JobFromMessage(msg))
}

// release hands deliveries back to the queue unacknowledged.
func (p *Pool) release(ctx context.Context, msgs []queue.Message) {
	for _, m := range msgs {
		if err := p.Queue.Release(context.WithoutCancel(ctx), m.Receipt); err != nil {
			slog.Warn("release message", "message_id", m.ID, "error", err)
		}
	}
}

func (p *Pool) ack(ctx context.Context, m queue.Message, outcome string) {
	observability.QueueMessages.WithLabelValues(outcome).Inc()
	if err := p.Queue.Delete(context.WithoutCancel(ctx), m.Receipt); err != nil {
		slog.Warn("delete message", "message_id", m.ID, "outcome", outcome, "error", err)
	}
}
