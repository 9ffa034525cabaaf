package storage

import (
	"context"
	"errors"

	"github.com/your-org/eventfaces/internal/models"
)

// ErrNotFound is returned when a catalog or profile row does not exist.
var ErrNotFound = errors.New("not found")

// Catalog is the read side of events, participants and photos. Rows are
// owned by the surrounding application; the pipeline only deletes photos.
type Catalog interface {
	GetPhoto(ctx context.Context, id int64) (*models.Photo, error)
	// DeletePhoto removes the photo row. Deleting a missing row is not an error.
	DeletePhoto(ctx context.Context, id int64) error
	Participants(ctx context.Context, eventID int64) ([]models.Participant, error)
	// ExistingUsers returns which of ids are participants of the event.
	ExistingUsers(ctx context.Context, eventID int64, ids []int64) (map[int64]bool, error)
	// ExistingPhotos returns which of ids are photos of the event.
	ExistingPhotos(ctx context.Context, eventID int64, ids []int64) (map[int64]bool, error)
}

// FaceStore holds FaceProfile and PhotoFace rows.
type FaceStore interface {
	GetProfile(ctx context.Context, eventID, userID int64) (*models.FaceProfile, error)
	UpsertProfile(ctx context.Context, p models.FaceProfile) error
	DeleteProfile(ctx context.Context, eventID, userID int64) error
	ListProfiles(ctx context.Context, eventID int64) ([]models.FaceProfile, error)
	PhotoFaces(ctx context.Context, photoID int64) ([]models.PhotoFace, error)
	// ReplacePhotoFaces swaps the photo's records for refs in one transaction.
	ReplacePhotoFaces(ctx context.Context, eventID, photoID int64, refs []string) error
	DeletePhotoFaces(ctx context.Context, photoID int64) error
}

// MatchStore holds FaceMatch rows, at most one per (photo, user).
type MatchStore interface {
	// ReconcilePhoto makes scores the complete match set of the photo:
	// listed users are written with exactly the given score, others deleted.
	ReconcilePhoto(ctx context.Context, photoID int64, scores map[int64]float64) (written, retracted int, err error)
	// UpsertMax inserts the pair or raises its score, never lowering it.
	UpsertMax(ctx context.Context, photoID, userID int64, score float64) error
	DeletePhotoMatches(ctx context.Context, photoID int64) (int, error)
	PhotoMatches(ctx context.Context, photoID int64) ([]models.FaceMatch, error)
	UserMatches(ctx context.Context, userID int64) ([]models.FaceMatch, error)
}
