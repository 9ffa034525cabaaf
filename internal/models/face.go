package models

import "time"

// FaceProfile is a user's registered face inside an event's collection.
// There is at most one per (user, event).
type FaceProfile struct {
	UserID    int64     `json:"user_id" db:"user_id"`
	EventID   int64     `json:"event_id" db:"event_id"`
	FaceRef   string    `json:"face_ref" db:"face_ref"`
	IndexedAt time.Time `json:"indexed_at" db:"indexed_at"`
}

// PhotoFace is one face indexed out of a photo.
type PhotoFace struct {
	PhotoID   int64     `json:"photo_id" db:"photo_id"`
	EventID   int64     `json:"event_id" db:"event_id"`
	FaceRef   string    `json:"face_ref" db:"face_ref"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// FaceMatch associates a photo with a user. Score is a similarity in [0, 100].
type FaceMatch struct {
	PhotoID   int64     `json:"photo_id" db:"photo_id"`
	UserID    int64     `json:"user_id" db:"user_id"`
	Score     float64   `json:"score" db:"score"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
