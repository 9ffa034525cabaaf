package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/your-org/eventfaces/internal/faults"
	"github.com/your-org/eventfaces/internal/models"
)

func (s *PostgresStore) ReconcilePhoto(ctx context.Context, photoID int64, scores map[int64]float64) (written, retracted int, err error) {
	keep := make([]int64, 0, len(scores))
	for userID := range scores {
		keep = append(keep, userID)
	}

	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`DELETE FROM face_matches WHERE photo_id = $1 AND NOT (user_id = ANY($2))`, photoID, keep)
		if err != nil {
			return err
		}
		retracted = int(tag.RowsAffected())

		batch := &pgx.Batch{}
		for userID, score := range scores {
			batch.Queue(`INSERT INTO face_matches (photo_id, user_id, score, updated_at) VALUES ($1, $2, $3, now())
				ON CONFLICT (photo_id, user_id) DO UPDATE SET score = EXCLUDED.score, updated_at = now()`,
				photoID, userID, score)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return err
		}
		written = len(scores)
		return nil
	})
	if err != nil {
		return 0, 0, faults.Transient("reconcile photo matches", err)
	}
	return written, retracted, nil
}

func (s *PostgresStore) UpsertMax(ctx context.Context, photoID, userID int64, score float64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO face_matches (photo_id, user_id, score, updated_at) VALUES ($1, $2, $3, now())
		 ON CONFLICT (photo_id, user_id) DO UPDATE
		 SET score = GREATEST(face_matches.score, EXCLUDED.score), updated_at = now()`,
		photoID, userID, score)
	if err != nil {
		return faults.Transient("upsert match", err)
	}
	return nil
}

func (s *PostgresStore) DeletePhotoMatches(ctx context.Context, photoID int64) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM face_matches WHERE photo_id = $1`, photoID)
	if err != nil {
		return 0, faults.Transient("delete photo matches", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) PhotoMatches(ctx context.Context, photoID int64) ([]models.FaceMatch, error) {
	return s.queryMatches(ctx,
		`SELECT photo_id, user_id, score, updated_at FROM face_matches WHERE photo_id = $1 ORDER BY score DESC`, photoID)
}

func (s *PostgresStore) UserMatches(ctx context.Context, userID int64) ([]models.FaceMatch, error) {
	return s.queryMatches(ctx,
		`SELECT photo_id, user_id, score, updated_at FROM face_matches WHERE user_id = $1 ORDER BY score DESC`, userID)
}

func (s *PostgresStore) queryMatches(ctx context.Context, query string, arg int64) ([]models.FaceMatch, error) {
	rows, err := s.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, faults.Transient("query matches", err)
	}
	defer rows.Close()

	var out []models.FaceMatch
	for rows.Next() {
		var m models.FaceMatch
		if err := rows.Scan(&m.PhotoID, &m.UserID, &m.Score, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan match: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
