package memstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/your-org/eventfaces/internal/models"
	"github.com/your-org/eventfaces/internal/storage"
)

// AddPhoto stores a photo, assigning an id when p.ID is zero.
func (s *Store) AddPhoto(p models.Photo) models.Photo {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == 0 {
		s.nextPhotoID++
		p.ID = s.nextPhotoID
	} else if p.ID > s.nextPhotoID {
		s.nextPhotoID = p.ID
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	s.photos[p.ID] = p
	return p
}

func (s *Store) AddParticipant(p models.Participant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.participants[profileKey{p.EventID, p.UserID}] = p
}

func (s *Store) RemoveParticipant(eventID, userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.participants, profileKey{eventID, userID})
}

func (s *Store) GetPhoto(ctx context.Context, id int64) (*models.Photo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.photos[id]
	if !ok {
		return nil, fmt.Errorf("photo %d: %w", id, storage.ErrNotFound)
	}
	return &p, nil
}

func (s *Store) DeletePhoto(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.FailPhotoDelete[id]; ok {
		return err
	}
	delete(s.photos, id)
	return nil
}

func (s *Store) Participants(ctx context.Context, eventID int64) ([]models.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Participant
	for k, p := range s.participants {
		if k.eventID == eventID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *Store) ExistingUsers(ctx context.Context, eventID int64, ids []int64) (map[int64]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64]bool, len(ids))
	for _, id := range ids {
		if _, ok := s.participants[profileKey{eventID, id}]; ok {
			out[id] = true
		}
	}
	return out, nil
}

func (s *Store) ExistingPhotos(ctx context.Context, eventID int64, ids []int64) (map[int64]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64]bool, len(ids))
	for _, id := range ids {
		if p, ok := s.photos[id]; ok && p.EventID == eventID {
			out[id] = true
		}
	}
	return out, nil
}
