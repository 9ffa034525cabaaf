package memstore

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/your-org/eventfaces/internal/models"
	"github.com/your-org/eventfaces/internal/storage"
)

func (s *Store) GetProfile(ctx context.Context, eventID, userID int64) (*models.FaceProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[profileKey{eventID, userID}]
	if !ok {
		return nil, fmt.Errorf("profile %d/%d: %w", eventID, userID, storage.ErrNotFound)
	}
	return &p, nil
}

func (s *Store) UpsertProfile(ctx context.Context, p models.FaceProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[profileKey{p.EventID, p.UserID}] = p
	return nil
}

func (s *Store) DeleteProfile(ctx context.Context, eventID, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.profiles, profileKey{eventID, userID})
	return nil
}

func (s *Store) ListProfiles(ctx context.Context, eventID int64) ([]models.FaceProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.FaceProfile
	for k, p := range s.profiles {
		if k.eventID == eventID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *Store) PhotoFaces(ctx context.Context, photoID int64) ([]models.PhotoFace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.photoFaces[photoID]), nil
}

func (s *Store) ReplacePhotoFaces(ctx context.Context, eventID, photoID int64, refs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	faces := make([]models.PhotoFace, 0, len(refs))
	seen := make(map[string]bool, len(refs))
	for _, ref := range refs {
		if seen[ref] {
			continue
		}
		seen[ref] = true
		faces = append(faces, models.PhotoFace{PhotoID: photoID, EventID: eventID, FaceRef: ref, CreatedAt: now})
	}
	if len(faces) == 0 {
		delete(s.photoFaces, photoID)
		return nil
	}
	s.photoFaces[photoID] = faces
	return nil
}

func (s *Store) DeletePhotoFaces(ctx context.Context, photoID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.photoFaces, photoID)
	return nil
}
