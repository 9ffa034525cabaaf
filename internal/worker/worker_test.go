package worker

import (
	"context"
	"errors"
	"image"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/your-org/eventfaces/internal/blob"
	"github.com/your-org/eventfaces/internal/faceindex"
	"github.com/your-org/eventfaces/internal/faceindex/memindex"
	"github.com/your-org/eventfaces/internal/faces"
	"github.com/your-org/eventfaces/internal/jobs"
	"github.com/your-org/eventfaces/internal/matching"
	"github.com/your-org/eventfaces/internal/models"
	"github.com/your-org/eventfaces/internal/queue"
	"github.com/your-org/eventfaces/internal/storage/memstore"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const eventID = 5

type fixture struct {
	store     *memstore.Store
	idx       *memindex.Index
	blobs     *blob.Memory
	queue     *queue.Memory
	orch      *faces.Orchestrator
	pool      *Pool
	submitter *jobs.Submitter
}

func testOptions() Options {
	return Options{
		Count:             2,
		MaxMessages:       10,
		WaitTime:          10 * time.Millisecond,
		VisibilityTimeout: time.Minute,
		DeleteBatchSize:   2,
		ErrorLimit:        10,
		PollBackoff:       5 * time.Millisecond,
		MaxPollBackoff:    20 * time.Millisecond,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: memstore.New(),
		idx:   memindex.New(),
		blobs: blob.NewMemory(),
		queue: queue.NewMemory(),
	}
	f.orch = faces.New(f.idx, f.store, f.store, f.blobs, faces.Options{
		CollectionPrefix:    "test-",
		DetectionConfidence: 50,
		CropPadding:         0.2,
		MinCropSize:         64,
	}, faces.Caches{})
	engine := matching.New(f.orch, f.store, f.store, matching.Options{Threshold: 70, Fanout: 2})
	f.pool = New(f.deps(engine), testOptions())
	f.submitter = jobs.NewSubmitter(f.store, f.queue)
	return f
}

func (f *fixture) deps(m Matcher) Deps {
	return Deps{
		Queue:   f.queue,
		Jobs:    f.store,
		Matcher: m,
		Faces:   f.orch,
		Catalog: f.store,
		Matches: f.store,
		Blobs:   f.blobs,
	}
}

func (f *fixture) participant(t *testing.T, userID int64, colour string) {
	t.Helper()
	key := "selfies/" + colour
	require.NoError(t, f.blobs.Put(context.Background(), key, memindex.Portrait(colour), "image/png"))
	f.store.AddParticipant(models.Participant{EventID: eventID, UserID: userID, SelfieKey: key})
}

func (f *fixture) photo(t *testing.T, key string, colour string) models.Photo {
	t.Helper()
	img := memindex.Picture(200, 200, memindex.Spot{Colour: colour, Rect: image.Rect(60, 60, 140, 140)})
	require.NoError(t, f.blobs.Put(context.Background(), key, img, "image/png"))
	return f.store.AddPhoto(models.Photo{EventID: eventID, BlobKey: key})
}

func (f *fixture) job(t *testing.T, id string) *models.Job {
	t.Helper()
	job, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return job
}

func TestIngestJobEndToEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.participant(t, 1, memindex.Red)
	p := f.photo(t, "photos/1.png", memindex.Red)

	job, err := f.submitter.SubmitPhoto(ctx, eventID, p.ID, 9, p.BlobKey)
	require.NoError(t, err)

	require.NoError(t, f.pool.poll(ctx))

	got := f.job(t, job.ID)
	assert.Equal(t, models.JobStatusDone, got.Status)
	assert.Equal(t, models.JobCounts{Total: 1, Processed: 1, Success: 1}, got.Counts)
	assert.Zero(t, f.queue.Len())

	matches, err := f.store.PhotoMatches(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, int64(1), matches[0].UserID)
}

func TestRedeliveredTerminalJobIsNoop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.participant(t, 1, memindex.Red)
	p := f.photo(t, "photos/1.png", memindex.Red)

	job, err := f.submitter.SubmitPhoto(ctx, eventID, p.ID, 9, p.BlobKey)
	require.NoError(t, err)
	require.NoError(t, f.pool.poll(ctx))
	indexCalls := f.idx.Calls("Index")

	body, err := jobs.MessageFor(job).Encode()
	require.NoError(t, err)
	require.NoError(t, f.queue.Send(ctx, body))
	require.NoError(t, f.pool.poll(ctx))

	assert.Zero(t, f.queue.Len())
	assert.Equal(t, indexCalls, f.idx.Calls("Index"))
	got := f.job(t, job.ID)
	assert.Equal(t, models.JobStatusDone, got.Status)
	assert.Equal(t, 1, got.Attempts)
}

func TestMessageWithoutJobIDUsesStableID(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.photo(t, "photos/1.png", memindex.Red)

	body, err := queue.JobMessage{JobType: queue.TypeProcessPhoto, PhotoID: p.ID, EventID: eventID, BlobKey: p.BlobKey}.Encode()
	require.NoError(t, err)
	require.NoError(t, f.queue.Send(ctx, body))
	require.NoError(t, f.queue.Send(ctx, body))
	require.NoError(t, f.pool.poll(ctx))

	got := f.job(t, jobs.PhotoJobID(p.ID, p.BlobKey))
	assert.Equal(t, models.JobStatusDone, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Zero(t, f.queue.Len())
}

func TestPoisonMessagesAreDeleted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.queue.Send(ctx, []byte("not json")))
	require.NoError(t, f.queue.Send(ctx, []byte(`{"job_type":"process_photo","photo_id":1}`)))
	require.NoError(t, f.queue.Send(ctx, []byte(`{"job_type":"delete_photos","job_id":"nope"}`)))
	require.NoError(t, f.pool.poll(ctx))

	assert.Zero(t, f.queue.Len())
}

func TestUnknownJobTypeIsLeftAlone(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.queue.Send(ctx, []byte(`{"job_type":"resize_photo","photo_id":1}`)))
	require.NoError(t, f.pool.poll(ctx))

	assert.Equal(t, 1, f.queue.Len())
	assert.Equal(t, 1, f.queue.Skipped())
	assert.Zero(t, f.queue.Released())
}

func TestDeletionOfAlreadyMissingPhotoSucceeds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.participant(t, 1, memindex.Red)
	p1 := f.photo(t, "photos/1.png", memindex.Red)
	p2 := f.photo(t, "photos/2.png", memindex.Blue)
	p3 := f.photo(t, "photos/3.png", memindex.Green)

	_, err := f.submitter.SubmitPhoto(ctx, eventID, p1.ID, 9, p1.BlobKey)
	require.NoError(t, err)
	require.NoError(t, f.pool.poll(ctx))
	require.NoError(t, f.store.DeletePhoto(ctx, p2.ID))

	job, err := f.submitter.SubmitDeletion(ctx, 9, []int64{p1.ID, p2.ID, p3.ID})
	require.NoError(t, err)
	require.NoError(t, f.pool.poll(ctx))

	got := f.job(t, job.ID)
	assert.Equal(t, models.JobStatusDone, got.Status)
	assert.Equal(t, models.JobCounts{Total: 3, Processed: 3, Success: 3}, got.Counts)
	assert.Empty(t, got.Errors)

	assert.False(t, f.blobs.Has(p1.BlobKey))
	assert.False(t, f.blobs.Has(p3.BlobKey))
	assert.Equal(t, 1, f.blobs.DeleteCalls)

	matches, err := f.store.PhotoMatches(ctx, p1.ID)
	require.NoError(t, err)
	assert.Empty(t, matches)
	for _, face := range f.idx.Faces(f.orch.CollectionID(eventID)) {
		_, isPhoto := faceindex.ParsePhotoTag(face.Tag)
		assert.False(t, isPhoto, "photo face %s left in index", face.FaceRef)
	}

	_, err = f.store.GetPhoto(ctx, p3.ID)
	require.Error(t, err)
}

func TestDeletionContinuesPastFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p1 := f.photo(t, "photos/1.png", memindex.Red)
	p2 := f.photo(t, "photos/2.png", memindex.Blue)
	p3 := f.photo(t, "photos/3.png", memindex.Green)
	f.store.FailPhotoDelete = map[int64]error{p2.ID: errors.New("row locked")}

	job, err := f.submitter.SubmitDeletion(ctx, 9, []int64{p1.ID, p2.ID, p3.ID})
	require.NoError(t, err)
	require.NoError(t, f.pool.poll(ctx))

	got := f.job(t, job.ID)
	assert.Equal(t, models.JobStatusPartial, got.Status)
	assert.Equal(t, models.JobCounts{Total: 3, Processed: 3, Success: 2, Errors: 1}, got.Counts)
	require.Len(t, got.Errors, 1)
	assert.Equal(t, "photo:2", got.Errors[0].Item)
	assert.Contains(t, got.Errors[0].Message, "row locked")

	assert.True(t, f.blobs.Has(p2.BlobKey))
	assert.False(t, f.blobs.Has(p3.BlobKey))
}

func TestDeletionWithoutSuccessFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p1 := f.photo(t, "photos/1.png", memindex.Red)
	f.store.FailPhotoDelete = map[int64]error{p1.ID: errors.New("row locked")}

	job, err := f.submitter.SubmitDeletion(ctx, 9, []int64{p1.ID})
	require.NoError(t, err)
	require.NoError(t, f.pool.poll(ctx))

	assert.Equal(t, models.JobStatusFailed, f.job(t, job.ID).Status)
	assert.Zero(t, f.blobs.DeleteCalls)
}

func TestBlobDeleteFailureDoesNotFailJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p1 := f.photo(t, "photos/1.png", memindex.Red)
	f.blobs.FailDelete = map[string]error{p1.BlobKey: errors.New("denied")}

	job, err := f.submitter.SubmitDeletion(ctx, 9, []int64{p1.ID})
	require.NoError(t, err)
	require.NoError(t, f.pool.poll(ctx))

	assert.Equal(t, models.JobStatusDone, f.job(t, job.ID).Status)
	assert.True(t, f.blobs.Has(p1.BlobKey))
}

func TestIngestWithMissingBlobFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.store.AddPhoto(models.Photo{EventID: eventID, BlobKey: "photos/missing.png"})

	job, err := f.submitter.SubmitPhoto(ctx, eventID, p.ID, 9, p.BlobKey)
	require.NoError(t, err)
	require.NoError(t, f.pool.poll(ctx))

	got := f.job(t, job.ID)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	require.Len(t, got.Errors, 1)
	assert.Contains(t, got.Errors[0].Message, "blob not found")
	assert.Zero(t, f.queue.Len())
}

func TestSelfieJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.photo(t, "photos/1.png", memindex.Red)
	_, err := f.orch.IndexPhotoFaces(ctx, eventID, p.ID, memindex.Picture(200, 200,
		memindex.Spot{Colour: memindex.Red, Rect: image.Rect(60, 60, 140, 140)}))
	require.NoError(t, err)

	require.NoError(t, f.blobs.Put(ctx, "selfies/new.png", memindex.Portrait(memindex.Red), "image/png"))
	job, err := f.submitter.SubmitSelfie(ctx, eventID, 4, "selfies/new.png")
	require.NoError(t, err)
	require.NoError(t, f.pool.poll(ctx))

	assert.Equal(t, models.JobStatusDone, f.job(t, job.ID).Status)
	matches, err := f.store.UserMatches(ctx, 4)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, p.ID, matches[0].PhotoID)
}

func TestRecoveryCompletesInterruptedJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p1 := f.photo(t, "photos/1.png", memindex.Red)
	p2 := f.photo(t, "photos/2.png", memindex.Blue)

	job, err := f.store.Create(ctx, jobs.New(models.JobKindDelete, 9, models.JobPayload{PhotoIDs: []int64{p1.ID, p2.ID}}))
	require.NoError(t, err)
	_, err = f.store.Claim(ctx, job.ID, time.Now())
	require.NoError(t, err)

	// The process dies here; its message is gone with the dead consumer.
	restarted := New(f.pool.Deps, testOptions())
	ids, err := restarted.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{job.ID}, ids)

	require.NoError(t, restarted.poll(ctx))

	got := f.job(t, job.ID)
	assert.Equal(t, models.JobStatusDone, got.Status)
	assert.Equal(t, models.JobCounts{Total: 2, Processed: 2, Success: 2}, got.Counts)
	assert.Equal(t, 2, got.Attempts)
}

func TestStorePollTakesUnqueuedJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.photo(t, "photos/1.png", memindex.Red)

	f.queue.SendError = errors.New("nats down")
	job, err := f.submitter.SubmitPhoto(ctx, eventID, p.ID, 9, p.BlobKey)
	require.Error(t, err)
	require.NotNil(t, job)
	f.queue.SendError = nil

	require.NoError(t, f.pool.poll(ctx))
	assert.Equal(t, models.JobStatusDone, f.job(t, job.ID).Status)
}

func TestLiveLeaseDefersMessage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.photo(t, "photos/1.png", memindex.Red)

	job, err := f.submitter.SubmitPhoto(ctx, eventID, p.ID, 9, p.BlobKey)
	require.NoError(t, err)
	_, err = f.store.Claim(ctx, job.ID, time.Now())
	require.NoError(t, err)

	require.NoError(t, f.pool.poll(ctx))

	assert.Equal(t, 1, f.queue.Len())
	assert.Equal(t, 1, f.queue.Released())
	got := f.job(t, job.ID)
	assert.Equal(t, models.JobStatusInProgress, got.Status)
	assert.Equal(t, 1, got.Attempts)
}

func TestExpiredLeaseIsReclaimed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.photo(t, "photos/1.png", memindex.Red)

	job, err := f.submitter.SubmitPhoto(ctx, eventID, p.ID, 9, p.BlobKey)
	require.NoError(t, err)
	_, err = f.store.Claim(ctx, job.ID, time.Now())
	require.NoError(t, err)

	opts := testOptions()
	opts.VisibilityTimeout = time.Nanosecond
	pool := New(f.pool.Deps, opts)
	time.Sleep(time.Millisecond)
	require.NoError(t, pool.poll(ctx))

	got := f.job(t, job.ID)
	assert.Equal(t, models.JobStatusDone, got.Status)
	assert.Equal(t, 2, got.Attempts)
}

type panickingMatcher struct{}

func (panickingMatcher) ProcessPhoto(context.Context, int64, int64, []byte) (matching.PhotoResult, error) {
	panic("boom")
}

func (panickingMatcher) ProcessSelfieUpdate(context.Context, int64, int64, []byte) (int, error) {
	return 0, nil
}

func TestPanicFailsJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.photo(t, "photos/1.png", memindex.Red)
	pool := New(f.deps(panickingMatcher{}), testOptions())

	job, err := f.submitter.SubmitPhoto(ctx, eventID, p.ID, 9, p.BlobKey)
	require.NoError(t, err)
	require.NoError(t, pool.poll(ctx))

	got := f.job(t, job.ID)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	require.Len(t, got.Errors, 1)
	assert.Equal(t, "panic: boom", got.Errors[0].Message)
	assert.Zero(t, f.queue.Len())
}

// panickingFaces panics on the nth photo it is asked to delete.
type panickingFaces struct {
	PhotoFaces
	n     int
	calls int
}

func (f *panickingFaces) DeletePhotoFaces(ctx context.Context, eventID, photoID int64) error {
	f.calls++
	if f.calls == f.n {
		panic("boom")
	}
	return f.PhotoFaces.DeletePhotoFaces(ctx, eventID, photoID)
}

func TestPanicAfterProgressIsPartial(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p1 := f.photo(t, "photos/1.png", memindex.Red)
	p2 := f.photo(t, "photos/2.png", memindex.Blue)
	p3 := f.photo(t, "photos/3.png", memindex.Green)

	deps := f.deps(nil)
	deps.Faces = &panickingFaces{PhotoFaces: f.orch, n: 2}
	pool := New(deps, testOptions())

	job, err := f.submitter.SubmitDeletion(ctx, 9, []int64{p1.ID, p2.ID, p3.ID})
	require.NoError(t, err)
	require.NoError(t, pool.poll(ctx))

	got := f.job(t, job.ID)
	assert.Equal(t, models.JobStatusPartial, got.Status)
	assert.Equal(t, models.JobCounts{Total: 3, Processed: 3, Success: 1, Errors: 2}, got.Counts)
	require.Len(t, got.Errors, 1)
	assert.Equal(t, "panic: boom", got.Errors[0].Message)
	assert.Zero(t, f.queue.Len())
}

func TestHarnessFailuresKeepMessage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.photo(t, "photos/1.png", memindex.Red)

	body, err := queue.JobMessage{JobType: queue.TypeProcessPhoto, PhotoID: p.ID, EventID: eventID, BlobKey: p.BlobKey}.Encode()
	require.NoError(t, err)
	require.NoError(t, f.queue.Send(ctx, body))

	f.store.FailJobs = errors.New("connection refused")
	require.Error(t, f.pool.poll(ctx))
	assert.Equal(t, 1, f.queue.Len())
	assert.Equal(t, 1, f.queue.Released())

	f.queue.ReceiveError = errors.New("queue unavailable")
	require.Error(t, f.pool.poll(ctx))
}

func TestRunStopsAfterCancel(t *testing.T) {
	f := newFixture(t)
	f.participant(t, 1, memindex.Red)
	p := f.photo(t, "photos/1.png", memindex.Red)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		f.pool.Run(ctx)
	}()

	job, err := f.submitter.SubmitPhoto(context.Background(), eventID, p.ID, 9, p.BlobKey)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := f.store.Get(context.Background(), job.ID)
		return err == nil && got.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop")
	}
	assert.Equal(t, models.JobStatusDone, f.job(t, job.ID).Status)
}

func TestRunBacksOffOnHarnessErrors(t *testing.T) {
	f := newFixture(t)
	f.queue.ReceiveError = errors.New("queue unavailable")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	f.pool.Run(ctx)

	assert.ErrorIs(t, ctx.Err(), context.DeadlineExceeded)
}
