//go:build integration

package storage_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/eventfaces/internal/faults"
	"github.com/your-org/eventfaces/internal/jobs"
	"github.com/your-org/eventfaces/internal/models"
	"github.com/your-org/eventfaces/internal/storage"
	"github.com/your-org/eventfaces/internal/storage/pgtest"
)

func TestPostgresStore(t *testing.T) {
	s := pgtest.Start(t)
	ctx := context.Background()

	t.Run("CreateIsIdempotent", func(t *testing.T) {
		job := jobs.New(models.JobKindIngest, 3, models.JobPayload{EventID: 1, PhotoID: 10, BlobKey: "p/10"})
		job.ID = jobs.PhotoJobID(10, "p/10")

		first, err := s.Create(ctx, job)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusPending, first.Status)
		assert.Equal(t, models.JobPayload{EventID: 1, PhotoID: 10, BlobKey: "p/10"}, first.Payload)
		assert.Equal(t, 1, first.Counts.Total)

		second, err := s.Create(ctx, job)
		require.NoError(t, err)
		assert.Equal(t, first.CreatedAt.Unix(), second.CreatedAt.Unix())

		other := jobs.New(models.JobKindDelete, 3, models.JobPayload{PhotoIDs: []int64{1}})
		other.ID = job.ID
		_, err = s.Create(ctx, other)
		require.ErrorIs(t, err, jobs.ErrDuplicateJob)
	})

	t.Run("Lifecycle", func(t *testing.T) {
		job, err := s.Create(ctx, jobs.New(models.JobKindDelete, 3, models.JobPayload{PhotoIDs: []int64{1, 2}}))
		require.NoError(t, err)

		claimed, err := s.Claim(ctx, job.ID, time.Now().Add(-time.Minute))
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusInProgress, claimed.Status)
		assert.Equal(t, 1, claimed.Attempts)
		require.NotNil(t, claimed.StartedAt)

		_, err = s.Claim(ctx, job.ID, time.Now().Add(-time.Minute))
		require.ErrorIs(t, err, jobs.ErrLeaseHeld)

		require.NoError(t, s.Progress(ctx, job.ID, models.JobCounts{Total: 2, Processed: 1, Success: 1}))

		counts := models.JobCounts{Total: 2, Processed: 2, Success: 1, Errors: 1}
		errs := []models.JobError{{Item: "photo:2", Message: "boom", At: time.Now().UTC()}}
		done, err := s.Transition(ctx, job.ID, models.JobStatusPartial, jobs.Update{Counts: &counts, Errors: errs})
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusPartial, done.Status)
		assert.Equal(t, counts, done.Counts)
		require.Len(t, done.Errors, 1)
		assert.Equal(t, "photo:2", done.Errors[0].Item)
		require.NotNil(t, done.CompletedAt)

		_, err = s.Transition(ctx, job.ID, models.JobStatusDone, jobs.Update{})
		require.ErrorIs(t, err, jobs.ErrInvalidTransition)
		assert.Equal(t, faults.KindInvariant, faults.KindOf(err))

		_, err = s.Claim(ctx, job.ID, time.Now())
		require.ErrorIs(t, err, jobs.ErrInvalidTransition)

		err = s.Progress(ctx, job.ID, counts)
		require.ErrorIs(t, err, jobs.ErrInvalidTransition)

		_, err = s.Transition(ctx, "missing", models.JobStatusDone, jobs.Update{})
		require.ErrorIs(t, err, jobs.ErrNotFound)
	})

	t.Run("ExpiredLeaseIsReclaimed", func(t *testing.T) {
		job, err := s.Create(ctx, jobs.New(models.JobKindSelfie, 4, models.JobPayload{EventID: 1, UserID: 4, BlobKey: "s/4"}))
		require.NoError(t, err)
		_, err = s.Claim(ctx, job.ID, time.Now())
		require.NoError(t, err)

		again, err := s.Claim(ctx, job.ID, time.Now().Add(time.Second))
		require.NoError(t, err)
		assert.Equal(t, 2, again.Attempts)
	})

	t.Run("RecoverAndListPending", func(t *testing.T) {
		job, err := s.Create(ctx, jobs.New(models.JobKindIngest, 1, models.JobPayload{EventID: 2, PhotoID: 20, BlobKey: "p/20"}))
		require.NoError(t, err)
		_, err = s.Claim(ctx, job.ID, time.Now())
		require.NoError(t, err)

		ids, err := s.RecoverUnfinished(ctx)
		require.NoError(t, err)
		assert.Contains(t, ids, job.ID)

		got, err := s.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusPending, got.Status)

		pending, err := s.ListPending(ctx, time.Now().Add(time.Second), 100)
		require.NoError(t, err)
		var found bool
		for _, p := range pending {
			found = found || p.ID == job.ID
		}
		assert.True(t, found)

		pending, err = s.ListPending(ctx, time.Now().Add(-time.Hour), 100)
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("Catalog", func(t *testing.T) {
		p := &models.Photo{EventID: 7, OwnerID: 1, BlobKey: "p/a"}
		require.NoError(t, s.CreatePhoto(ctx, p))
		require.NoError(t, s.UpsertParticipant(ctx, models.Participant{EventID: 7, UserID: 70, SelfieKey: "s/70"}))
		require.NoError(t, s.UpsertParticipant(ctx, models.Participant{EventID: 7, UserID: 71}))

		got, err := s.GetPhoto(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, "p/a", got.BlobKey)

		parts, err := s.Participants(ctx, 7)
		require.NoError(t, err)
		assert.Len(t, parts, 2)

		users, err := s.ExistingUsers(ctx, 7, []int64{70, 99})
		require.NoError(t, err)
		assert.Equal(t, map[int64]bool{70: true}, users)

		photos, err := s.ExistingPhotos(ctx, 8, []int64{p.ID})
		require.NoError(t, err)
		assert.Empty(t, photos)

		require.NoError(t, s.DeletePhoto(ctx, p.ID))
		require.NoError(t, s.DeletePhoto(ctx, p.ID))
		_, err = s.GetPhoto(ctx, p.ID)
		require.True(t, errors.Is(err, storage.ErrNotFound))
	})

	t.Run("Faces", func(t *testing.T) {
		require.NoError(t, s.UpsertProfile(ctx, models.FaceProfile{EventID: 9, UserID: 1, FaceRef: "f1"}))
		require.NoError(t, s.UpsertProfile(ctx, models.FaceProfile{EventID: 9, UserID: 1, FaceRef: "f2"}))
		prof, err := s.GetProfile(ctx, 9, 1)
		require.NoError(t, err)
		assert.Equal(t, "f2", prof.FaceRef)

		require.NoError(t, s.DeleteProfile(ctx, 9, 1))
		_, err = s.GetProfile(ctx, 9, 1)
		require.ErrorIs(t, err, storage.ErrNotFound)

		require.NoError(t, s.ReplacePhotoFaces(ctx, 9, 90, []string{"a", "b"}))
		require.NoError(t, s.ReplacePhotoFaces(ctx, 9, 90, []string{"c"}))
		faces, err := s.PhotoFaces(ctx, 90)
		require.NoError(t, err)
		require.Len(t, faces, 1)
		assert.Equal(t, "c", faces[0].FaceRef)

		require.NoError(t, s.DeletePhotoFaces(ctx, 90))
		faces, err = s.PhotoFaces(ctx, 90)
		require.NoError(t, err)
		assert.Empty(t, faces)
	})

	t.Run("Matches", func(t *testing.T) {
		written, retracted, err := s.ReconcilePhoto(ctx, 500, map[int64]float64{1: 80, 2: 75})
		require.NoError(t, err)
		assert.Equal(t, 2, written)
		assert.Zero(t, retracted)

		written, retracted, err = s.ReconcilePhoto(ctx, 500, map[int64]float64{1: 72})
		require.NoError(t, err)
		assert.Equal(t, 1, written)
		assert.Equal(t, 1, retracted)

		require.NoError(t, s.UpsertMax(ctx, 500, 1, 60))
		require.NoError(t, s.UpsertMax(ctx, 500, 3, 90))
		matches, err := s.PhotoMatches(ctx, 500)
		require.NoError(t, err)
		scores := map[int64]float64{}
		for _, m := range matches {
			scores[m.UserID] = m.Score
		}
		assert.Equal(t, map[int64]float64{1: 72, 3: 90}, scores)

		n, err := s.DeletePhotoMatches(ctx, 500)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})
}
