package models

import "time"

type JobKind string

const (
	JobKindIngest JobKind = "ingest"
	JobKindSelfie JobKind = "selfie"
	JobKindDelete JobKind = "delete"
)

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusDone       JobStatus = "done"
	JobStatusPartial    JobStatus = "partial"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s JobStatus) Terminal() bool {
	return s == JobStatusDone || s == JobStatusPartial || s == JobStatusFailed
}

// JobPayload carries the work description. Ingest jobs set EventID, PhotoID
// and BlobKey; selfie jobs set EventID, UserID and BlobKey; delete jobs set
// PhotoIDs.
type JobPayload struct {
	EventID  int64   `json:"event_id,omitempty"`
	PhotoID  int64   `json:"photo_id,omitempty"`
	UserID   int64   `json:"user_id,omitempty"`
	BlobKey  string  `json:"blob_key,omitempty"`
	PhotoIDs []int64 `json:"photo_ids,omitempty"`
}

type JobCounts struct {
	Total     int `json:"total"`
	Processed int `json:"processed"`
	Success   int `json:"success"`
	Errors    int `json:"errors"`
}

// JobError is one entry of a job's bounded error list.
type JobError struct {
	Item    string    `json:"item"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Job is a durable ingestion or deletion job.
type Job struct {
	ID          string        `json:"id" db:"id"`
	Kind        JobKind       `json:"kind" db:"kind"`
	OwnerID     int64         `json:"owner_id" db:"owner_id"`
	Payload     JobPayload    `json:"payload" db:"payload"`
	Status      JobStatus     `json:"status" db:"status"`
	Counts      JobCounts     `json:"counts" db:"counts"`
	Errors      []JobError    `json:"errors" db:"errors"`
	Attempts    int           `json:"attempts" db:"attempts"`
	CreatedAt   time.Time     `json:"created_at" db:"created_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty" db:"completed_at"`
	Duration    time.Duration `json:"duration" db:"duration_ms"`
}
