package faces

import (
	"context"
	"errors"
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/eventfaces/internal/blob"
	"github.com/your-org/eventfaces/internal/faceindex"
	"github.com/your-org/eventfaces/internal/faceindex/memindex"
	"github.com/your-org/eventfaces/internal/faults"
	"github.com/your-org/eventfaces/internal/models"
	"github.com/your-org/eventfaces/internal/storage/memstore"
)

// flakyFaces fails the next replaceFailures calls of ReplacePhotoFaces.
type flakyFaces struct {
	*memstore.Store
	replaceFailures int
}

func (s *flakyFaces) ReplacePhotoFaces(ctx context.Context, eventID, photoID int64, refs []string) error {
	if s.replaceFailures > 0 {
		s.replaceFailures--
		return faults.Transient("test", errors.New("connection reset"))
	}
	return s.Store.ReplacePhotoFaces(ctx, eventID, photoID, refs)
}

// strayDetector reports a single face box outside of every image.
type strayDetector struct {
	faceindex.Service
}

func (strayDetector) DetectFaces(context.Context, []byte, float64) ([]faceindex.BoundingBox, error) {
	return []faceindex.BoundingBox{{Left: 1.5, Top: 1.5, Width: 0.2, Height: 0.2, Confidence: 99}}, nil
}

const eventID = 10

type fixture struct {
	idx   *memindex.Index
	store *memstore.Store
	blobs *blob.Memory
	orch  *Orchestrator
	coll  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		idx:   memindex.New(),
		store: memstore.New(),
		blobs: blob.NewMemory(),
	}
	f.orch = New(f.idx, f.store, f.store, f.blobs, Options{
		CollectionPrefix:    "test-",
		DetectionConfidence: 50,
		CropPadding:         0.2,
		MinCropSize:         64,
		MaxSearchResults:    50,
	}, Caches{})
	f.coll = f.orch.CollectionID(eventID)
	return f
}

func (f *fixture) addSelfie(t *testing.T, userID int64, colour string) {
	t.Helper()
	key := "selfies/" + faceindex.UserTag(userID)
	require.NoError(t, f.blobs.Put(context.Background(), key, memindex.Portrait(colour), "image/png"))
	f.store.AddParticipant(models.Participant{EventID: eventID, UserID: userID, SelfieKey: key})
}

func twoFaces() []byte {
	return memindex.Picture(200, 200,
		memindex.Spot{Colour: memindex.Red, Rect: image.Rect(10, 10, 50, 50)},
		memindex.Spot{Colour: memindex.Blue, Rect: image.Rect(110, 110, 170, 170)},
	)
}

func TestIndexPhotoFacesIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	photo := f.store.AddPhoto(models.Photo{EventID: eventID, BlobKey: "p/1"})

	first, err := f.orch.IndexPhotoFaces(ctx, eventID, photo.ID, twoFaces())
	require.NoError(t, err)
	require.Len(t, first, 2)

	second, err := f.orch.IndexPhotoFaces(ctx, eventID, photo.ID, twoFaces())
	require.NoError(t, err)
	require.Len(t, second, 2)
	assert.NotEqual(t, first, second)

	records, err := f.store.PhotoFaces(ctx, photo.ID)
	require.NoError(t, err)
	assert.Len(t, records, 2)
	assert.Len(t, f.idx.Faces(f.coll), 2)
	for _, face := range f.idx.Faces(f.coll) {
		assert.Equal(t, faceindex.PhotoTag(photo.ID), face.Tag)
	}
}

func TestIndexPhotoFacesWholeImageFallback(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	photo := f.store.AddPhoto(models.Photo{EventID: eventID, BlobKey: "p/1"})

	refs, err := f.orch.IndexPhotoFaces(ctx, eventID, photo.ID, memindex.Blank())
	require.NoError(t, err)
	require.Len(t, refs, 1)

	faces := f.idx.Faces(f.coll)
	require.Len(t, faces, 1)
	assert.Equal(t, faceindex.PhotoTag(photo.ID), faces[0].Tag)
	assert.Equal(t, refs[0], faces[0].FaceRef)
}

func TestIndexUserFaceReplacesPrior(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.orch.IndexUserFace(ctx, eventID, 1, memindex.Portrait(memindex.Red))
	require.NoError(t, err)
	second, err := f.orch.IndexUserFace(ctx, eventID, 1, memindex.Portrait(memindex.Green))
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	faces := f.idx.Faces(f.coll)
	require.Len(t, faces, 1)
	assert.Equal(t, second, faces[0].FaceRef)

	profile, err := f.store.GetProfile(ctx, eventID, 1)
	require.NoError(t, err)
	assert.Equal(t, second, profile.FaceRef)

	matches, err := f.orch.SearchByImage(ctx, eventID, memindex.Portrait(memindex.Green), 70)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, faceindex.UserTag(1), matches[0].Tag)
}

func TestIndexUserFacePrefersSharpest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.idx.SetSharpness(memindex.Red, 90)

	_, err := f.orch.IndexUserFace(ctx, eventID, 1, twoFaces())
	require.NoError(t, err)

	matches, err := f.orch.SearchByImage(ctx, eventID, memindex.Portrait(memindex.Red), 70)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, faceindex.UserTag(1), matches[0].Tag)
}

func TestIndexUserFaceFailureDropsProfile(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.orch.IndexUserFace(ctx, eventID, 1, memindex.Portrait(memindex.Red))
	require.NoError(t, err)

	f.idx.Fail("Index", faults.Permanent("test", errors.New("bad image")), 1)
	_, err = f.orch.IndexUserFace(ctx, eventID, 1, memindex.Portrait(memindex.Green))
	require.Error(t, err)

	_, err = f.store.GetProfile(ctx, eventID, 1)
	require.Error(t, err)
	assert.Empty(t, f.idx.Faces(f.coll))
}

func TestEnsureUsersIndexedRunsOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addSelfie(t, 1, memindex.Red)
	f.addSelfie(t, 2, memindex.Green)
	f.store.AddParticipant(models.Participant{EventID: eventID, UserID: 3})
	f.store.AddParticipant(models.Participant{EventID: eventID, UserID: 4, SelfieKey: "selfies/missing"})

	require.NoError(t, f.orch.EnsureUsersIndexed(ctx, eventID))
	require.NoError(t, f.orch.EnsureUsersIndexed(ctx, eventID))

	assert.Equal(t, 2, f.idx.Calls("Index"))
	profiles, err := f.store.ListProfiles(ctx, eventID)
	require.NoError(t, err)
	assert.Len(t, profiles, 2)
}

func TestEnsureUsersIndexedSkipsExistingProfiles(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addSelfie(t, 1, memindex.Red)

	_, err := f.orch.IndexUserFace(ctx, eventID, 1, memindex.Portrait(memindex.Red))
	require.NoError(t, err)

	// A fresh process shares the store but not the caches.
	fresh := New(f.idx, f.store, f.store, f.blobs, f.orch.opts, Caches{})
	require.NoError(t, fresh.EnsureUsersIndexed(ctx, eventID))
	assert.Equal(t, 1, f.idx.Calls("Index"))
}

func TestEnsureUsersIndexedRepeatsAfterTransientFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addSelfie(t, 1, memindex.Red)
	f.idx.Fail("Index", faults.Transient("test", errors.New("throttled")), 1)

	require.NoError(t, f.orch.EnsureUsersIndexed(ctx, eventID))
	_, err := f.store.GetProfile(ctx, eventID, 1)
	require.Error(t, err)

	require.NoError(t, f.orch.EnsureUsersIndexed(ctx, eventID))
	_, err = f.store.GetProfile(ctx, eventID, 1)
	require.NoError(t, err)
}

func TestPurgeRemovesOrphans(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.orch.EnsureCollection(ctx, eventID))

	f.addSelfie(t, 1, memindex.Red)
	current, err := f.orch.IndexUserFace(ctx, eventID, 1, memindex.Portrait(memindex.Red))
	require.NoError(t, err)
	stale := f.idx.AddFace(f.coll, faceindex.UserTag(1), memindex.Red)

	photo := f.store.AddPhoto(models.Photo{EventID: eventID, BlobKey: "p/1"})
	kept := f.idx.AddFace(f.coll, faceindex.PhotoTag(photo.ID), memindex.Blue)
	require.NoError(t, f.store.ReplacePhotoFaces(ctx, eventID, photo.ID, []string{kept}))
	f.idx.AddFace(f.coll, faceindex.PhotoTag(999), memindex.Blue)
	f.idx.AddFace(f.coll, "legacy-face", memindex.Green)

	// User 5 left the event but still has a profile.
	departed := f.idx.AddFace(f.coll, faceindex.UserTag(5), memindex.Yellow)
	require.NoError(t, f.store.UpsertProfile(ctx, models.FaceProfile{EventID: eventID, UserID: 5, FaceRef: departed}))

	n, err := f.orch.Purge(ctx, eventID)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	var refs []string
	for _, face := range f.idx.Faces(f.coll) {
		refs = append(refs, face.FaceRef)
	}
	assert.ElementsMatch(t, []string{current, kept}, refs)
	assert.NotContains(t, refs, stale)

	_, err = f.store.GetProfile(ctx, eventID, 5)
	require.Error(t, err)
}

func TestEnsureUsersIndexedPurgesDirtyCollection(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.idx.EnsureCollection(ctx, f.coll))
	f.idx.AddFace(f.coll, faceindex.PhotoTag(404), memindex.Red)

	require.NoError(t, f.orch.EnsureUsersIndexed(ctx, eventID))
	assert.Empty(t, f.idx.Faces(f.coll))
}

func TestEnsureUsersIndexedLeavesCleanCollection(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addSelfie(t, 1, memindex.Red)

	require.NoError(t, f.orch.EnsureUsersIndexed(ctx, eventID))
	assert.Len(t, f.idx.Faces(f.coll), 1)
	assert.Equal(t, 1, f.idx.Calls("ListFaces"))
}

func TestDeletePhotoFacesWithoutEvent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	photo := f.store.AddPhoto(models.Photo{EventID: eventID, BlobKey: "p/1"})

	_, err := f.orch.IndexPhotoFaces(ctx, eventID, photo.ID, twoFaces())
	require.NoError(t, err)

	require.NoError(t, f.orch.DeletePhotoFaces(ctx, 0, photo.ID))
	assert.Empty(t, f.idx.Faces(f.coll))
	records, err := f.store.PhotoFaces(ctx, photo.ID)
	require.NoError(t, err)
	assert.Empty(t, records)

	// Nothing left to delete.
	require.NoError(t, f.orch.DeletePhotoFaces(ctx, 0, photo.ID))
}

func TestIndexPhotoFacesDropsFacesItCouldNotRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	store := &flakyFaces{Store: f.store, replaceFailures: 1}
	orch := New(f.idx, f.store, store, f.blobs, f.orch.opts, Caches{})
	photo := f.store.AddPhoto(models.Photo{EventID: eventID, BlobKey: "p/1"})

	_, err := orch.IndexPhotoFaces(ctx, eventID, photo.ID, twoFaces())
	require.Error(t, err)
	assert.Empty(t, f.idx.Faces(f.coll))
}

func TestIndexPhotoFacesRemovesUntrackedFaces(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	store := &flakyFaces{Store: f.store, replaceFailures: 1}
	orch := New(f.idx, f.store, store, f.blobs, f.orch.opts, Caches{})
	photo := f.store.AddPhoto(models.Photo{EventID: eventID, BlobKey: "p/1"})

	// Both the record update and the cleanup fail, leaving two faces that
	// no PhotoFace row knows about.
	f.idx.Fail("DeleteFaces", faults.Transient("test", errors.New("throttled")), 1)
	_, err := orch.IndexPhotoFaces(ctx, eventID, photo.ID, twoFaces())
	require.Error(t, err)
	require.Len(t, f.idx.Faces(f.coll), 2)

	refs, err := orch.IndexPhotoFaces(ctx, eventID, photo.ID, twoFaces())
	require.NoError(t, err)
	require.Len(t, refs, 2)

	records, err := f.store.PhotoFaces(ctx, photo.ID)
	require.NoError(t, err)
	assert.Len(t, records, 2)
	faces := f.idx.Faces(f.coll)
	require.Len(t, faces, 2)
	assert.ElementsMatch(t, refs, []string{faces[0].FaceRef, faces[1].FaceRef})

	n, err := orch.Purge(ctx, eventID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestIndexPhotoFacesRecordsFacesIndexedBeforeAFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	photo := f.store.AddPhoto(models.Photo{EventID: eventID, BlobKey: "p/1"})

	f.idx.Fail("Index", faults.Transient("test", errors.New("throttled")), 1)
	_, err := f.orch.IndexPhotoFaces(ctx, eventID, photo.ID, twoFaces())
	require.Error(t, err)
	assert.True(t, faults.IsTransient(err))

	faces := f.idx.Faces(f.coll)
	require.Len(t, faces, 1)
	records, err := f.store.PhotoFaces(ctx, photo.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, faces[0].FaceRef, records[0].FaceRef)
}

func TestIndexPhotoFacesWholeImageWhenNoBoxCanBeCropped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	orch := New(strayDetector{Service: f.idx}, f.store, f.store, f.blobs, f.orch.opts, Caches{})
	photo := f.store.AddPhoto(models.Photo{EventID: eventID, BlobKey: "p/1"})

	refs, err := orch.IndexPhotoFaces(ctx, eventID, photo.ID, twoFaces())
	require.NoError(t, err)
	require.Len(t, refs, 1)

	faces := f.idx.Faces(f.coll)
	require.Len(t, faces, 1)
	assert.Equal(t, faceindex.PhotoTag(photo.ID), faces[0].Tag)
}

func TestIndexUserFaceRemovesEveryFaceOfTheUser(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.orch.EnsureCollection(ctx, eventID))
	f.idx.AddFace(f.coll, faceindex.UserTag(1), memindex.Red)
	f.idx.AddFace(f.coll, faceindex.UserTag(1), memindex.Red)

	ref, err := f.orch.IndexUserFace(ctx, eventID, 1, memindex.Portrait(memindex.Green))
	require.NoError(t, err)

	faces := f.idx.Faces(f.coll)
	require.Len(t, faces, 1)
	assert.Equal(t, ref, faces[0].FaceRef)
}

func TestPurgeRemovesUntrackedFaces(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	photo := f.store.AddPhoto(models.Photo{EventID: eventID, BlobKey: "p/1"})
	tracked, err := f.orch.IndexPhotoFaces(ctx, eventID, photo.ID, twoFaces())
	require.NoError(t, err)
	f.idx.AddFace(f.coll, faceindex.PhotoTag(photo.ID), memindex.Red)

	// User 2 is a participant whose selfie never made it into a profile.
	f.store.AddParticipant(models.Participant{EventID: eventID, UserID: 2})
	f.idx.AddFace(f.coll, faceindex.UserTag(2), memindex.Green)

	n, err := f.orch.Purge(ctx, eventID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var refs []string
	for _, face := range f.idx.Faces(f.coll) {
		refs = append(refs, face.FaceRef)
	}
	assert.ElementsMatch(t, tracked, refs)
}

func TestDeletePhotoFacesRemovesUntrackedFaces(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	photo := f.store.AddPhoto(models.Photo{EventID: eventID, BlobKey: "p/1"})
	_, err := f.orch.IndexPhotoFaces(ctx, eventID, photo.ID, twoFaces())
	require.NoError(t, err)
	f.idx.AddFace(f.coll, faceindex.PhotoTag(photo.ID), memindex.Red)

	require.NoError(t, f.orch.DeletePhotoFaces(ctx, eventID, photo.ID))
	assert.Empty(t, f.idx.Faces(f.coll))
}
