package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/your-org/eventfaces/internal/faults"
	"github.com/your-org/eventfaces/internal/models"
)

// CreatePhoto inserts a photo row and fills in its id.
func (s *PostgresStore) CreatePhoto(ctx context.Context, p *models.Photo) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO photos (event_id, owner_id, blob_key) VALUES ($1, $2, $3) RETURNING id, created_at`,
		p.EventID, p.OwnerID, p.BlobKey,
	).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		return fmt.Errorf("create photo: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPhoto(ctx context.Context, id int64) (*models.Photo, error) {
	p := &models.Photo{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, event_id, owner_id, blob_key, created_at FROM photos WHERE id = $1`, id,
	).Scan(&p.ID, &p.EventID, &p.OwnerID, &p.BlobKey, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("photo %d: %w", id, ErrNotFound)
		}
		return nil, faults.Transient("get photo", err)
	}
	return p, nil
}

func (s *PostgresStore) DeletePhoto(ctx context.Context, id int64) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM photos WHERE id = $1`, id); err != nil {
		return faults.Transient("delete photo", err)
	}
	return nil
}

// UpsertParticipant adds a user to an event or updates their selfie key.
func (s *PostgresStore) UpsertParticipant(ctx context.Context, p models.Participant) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO event_participants (event_id, user_id, selfie_key) VALUES ($1, $2, $3)
		 ON CONFLICT (event_id, user_id) DO UPDATE SET selfie_key = EXCLUDED.selfie_key`,
		p.EventID, p.UserID, p.SelfieKey)
	if err != nil {
		return fmt.Errorf("upsert participant: %w", err)
	}
	return nil
}

func (s *PostgresStore) Participants(ctx context.Context, eventID int64) ([]models.Participant, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT event_id, user_id, selfie_key FROM event_participants WHERE event_id = $1 ORDER BY user_id`, eventID)
	if err != nil {
		return nil, faults.Transient("list participants", err)
	}
	defer rows.Close()

	var out []models.Participant
	for rows.Next() {
		var p models.Participant
		if err := rows.Scan(&p.EventID, &p.UserID, &p.SelfieKey); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ExistingUsers(ctx context.Context, eventID int64, ids []int64) (map[int64]bool, error) {
	return s.existing(ctx,
		`SELECT user_id FROM event_participants WHERE event_id = $1 AND user_id = ANY($2)`, eventID, ids)
}

func (s *PostgresStore) ExistingPhotos(ctx context.Context, eventID int64, ids []int64) (map[int64]bool, error) {
	return s.existing(ctx,
		`SELECT id FROM photos WHERE event_id = $1 AND id = ANY($2)`, eventID, ids)
}

func (s *PostgresStore) existing(ctx context.Context, query string, eventID int64, ids []int64) (map[int64]bool, error) {
	out := make(map[int64]bool, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, query, eventID, ids)
	if err != nil {
		return nil, faults.Transient("check existing rows", err)
	}
	found, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, faults.Transient("check existing rows", err)
	}
	for _, id := range found {
		out[id] = true
	}
	return out, nil
}
