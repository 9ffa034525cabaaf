package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/your-org/eventfaces/internal/models"
)

func (s *Store) ReconcilePhoto(ctx context.Context, photoID int64, scores map[int64]float64) (written, retracted int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.matches {
		if k.photoID != photoID {
			continue
		}
		if _, keep := scores[k.userID]; !keep {
			delete(s.matches, k)
			retracted++
		}
	}
	now := time.Now().UTC()
	for userID, score := range scores {
		s.matches[matchKey{photoID, userID}] = models.FaceMatch{PhotoID: photoID, UserID: userID, Score: score, UpdatedAt: now}
		written++
	}
	return written, retracted, nil
}

func (s *Store) UpsertMax(ctx context.Context, photoID, userID int64, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := matchKey{photoID, userID}
	if existing, ok := s.matches[k]; ok && existing.Score > score {
		score = existing.Score
	}
	s.matches[k] = models.FaceMatch{PhotoID: photoID, UserID: userID, Score: score, UpdatedAt: time.Now().UTC()}
	return nil
}

func (s *Store) DeletePhotoMatches(ctx context.Context, photoID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.matches {
		if k.photoID == photoID {
			delete(s.matches, k)
			n++
		}
	}
	return n, nil
}

func (s *Store) PhotoMatches(ctx context.Context, photoID int64) ([]models.FaceMatch, error) {
	return s.filterMatches(func(m models.FaceMatch) bool { return m.PhotoID == photoID }), nil
}

func (s *Store) UserMatches(ctx context.Context, userID int64) ([]models.FaceMatch, error) {
	return s.filterMatches(func(m models.FaceMatch) bool { return m.UserID == userID }), nil
}

// AllMatches returns every match row.
func (s *Store) AllMatches() []models.FaceMatch {
	return s.filterMatches(func(models.FaceMatch) bool { return true })
}

func (s *Store) filterMatches(keep func(models.FaceMatch) bool) []models.FaceMatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.FaceMatch
	for _, m := range s.matches {
		if keep(m) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PhotoID != out[j].PhotoID {
			return out[i].PhotoID < out[j].PhotoID
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}
