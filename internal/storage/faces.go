package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/your-org/eventfaces/internal/faults"
	"github.com/your-org/eventfaces/internal/models"
)

// --- Face profiles ---

func (s *PostgresStore) GetProfile(ctx context.Context, eventID, userID int64) (*models.FaceProfile, error) {
	p := &models.FaceProfile{}
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, event_id, face_ref, indexed_at FROM face_profiles WHERE event_id = $1 AND user_id = $2`,
		eventID, userID,
	).Scan(&p.UserID, &p.EventID, &p.FaceRef, &p.IndexedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("profile %d/%d: %w", eventID, userID, ErrNotFound)
		}
		return nil, faults.Transient("get profile", err)
	}
	return p, nil
}

func (s *PostgresStore) UpsertProfile(ctx context.Context, p models.FaceProfile) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO face_profiles (event_id, user_id, face_ref, indexed_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (event_id, user_id) DO UPDATE SET face_ref = EXCLUDED.face_ref, indexed_at = EXCLUDED.indexed_at`,
		p.EventID, p.UserID, p.FaceRef, p.IndexedAt)
	if err != nil {
		return faults.Transient("upsert profile", err)
	}
	return nil
}

func (s *PostgresStore) DeleteProfile(ctx context.Context, eventID, userID int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM face_profiles WHERE event_id = $1 AND user_id = $2`, eventID, userID)
	if err != nil {
		return faults.Transient("delete profile", err)
	}
	return nil
}

func (s *PostgresStore) ListProfiles(ctx context.Context, eventID int64) ([]models.FaceProfile, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, event_id, face_ref, indexed_at FROM face_profiles WHERE event_id = $1 ORDER BY user_id`, eventID)
	if err != nil {
		return nil, faults.Transient("list profiles", err)
	}
	defer rows.Close()

	var out []models.FaceProfile
	for rows.Next() {
		var p models.FaceProfile
		if err := rows.Scan(&p.UserID, &p.EventID, &p.FaceRef, &p.IndexedAt); err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- Photo faces ---

func (s *PostgresStore) PhotoFaces(ctx context.Context, photoID int64) ([]models.PhotoFace, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT photo_id, event_id, face_ref, created_at FROM photo_faces WHERE photo_id = $1 ORDER BY created_at, face_ref`, photoID)
	if err != nil {
		return nil, faults.Transient("list photo faces", err)
	}
	defer rows.Close()

	var out []models.PhotoFace
	for rows.Next() {
		var f models.PhotoFace
		if err := rows.Scan(&f.PhotoID, &f.EventID, &f.FaceRef, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan photo face: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ReplacePhotoFaces(ctx context.Context, eventID, photoID int64, refs []string) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM photo_faces WHERE photo_id = $1`, photoID); err != nil {
			return err
		}
		batch := &pgx.Batch{}
		for _, ref := range refs {
			batch.Queue(`INSERT INTO photo_faces (photo_id, event_id, face_ref) VALUES ($1, $2, $3)
				ON CONFLICT (photo_id, face_ref) DO NOTHING`, photoID, eventID, ref)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return faults.Transient("replace photo faces", err)
	}
	return nil
}

func (s *PostgresStore) DeletePhotoFaces(ctx context.Context, photoID int64) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM photo_faces WHERE photo_id = $1`, photoID); err != nil {
		return faults.Transient("delete photo faces", err)
	}
	return nil
}
