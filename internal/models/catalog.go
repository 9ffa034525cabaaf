package models

import "time"

// Photo is an uploaded event photo. Rows are created outside the worker.
type Photo struct {
	ID        int64     `json:"id" db:"id"`
	EventID   int64     `json:"event_id" db:"event_id"`
	OwnerID   int64     `json:"owner_id" db:"owner_id"`
	BlobKey   string    `json:"blob_key" db:"blob_key"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Participant is a user registered for an event. SelfieKey is empty until the
// user uploads a selfie.
type Participant struct {
	EventID   int64  `json:"event_id" db:"event_id"`
	UserID    int64  `json:"user_id" db:"user_id"`
	SelfieKey string `json:"selfie_key,omitempty" db:"selfie_key"`
}
