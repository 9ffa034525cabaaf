package queue

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	TypeProcessPhoto  = "process_photo"
	TypeProcessSelfie = "process_selfie"
	TypeDeletePhotos  = "delete_photos"
)

var (
	// ErrMalformed marks bodies that can never be processed.
	ErrMalformed = errors.New("malformed job message")
	// ErrUnknownJobType marks messages meant for another consumer.
	ErrUnknownJobType = errors.New("unknown job type")
)

// JobMessage is the wire shape of a queued job reference.
type JobMessage struct {
	JobType string `json:"job_type"`
	JobID   string `json:"job_id,omitempty"`
	PhotoID int64  `json:"photo_id,omitempty"`
	EventID int64  `json:"event_id,omitempty"`
	UserID  int64  `json:"user_id,omitempty"`
	OwnerID int64  `json:"owner_id,omitempty"`
	BlobKey string `json:"blob_key,omitempty"`
}

func (m JobMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses and validates a message body.
func Decode(body []byte) (JobMessage, error) {
	var m JobMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return m, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch m.JobType {
	case TypeProcessPhoto:
		if m.PhotoID <= 0 || m.EventID <= 0 || m.BlobKey == "" {
			return m, fmt.Errorf("%w: process_photo needs photo_id, event_id and blob_key", ErrMalformed)
		}
	case TypeProcessSelfie:
		if m.UserID <= 0 || m.EventID <= 0 || m.BlobKey == "" {
			return m, fmt.Errorf("%w: process_selfie needs user_id, event_id and blob_key", ErrMalformed)
		}
	case TypeDeletePhotos:
		if m.JobID == "" {
			return m, fmt.Errorf("%w: delete_photos needs job_id", ErrMalformed)
		}
	case "":
		return m, fmt.Errorf("%w: missing job_type", ErrMalformed)
	default:
		return m, fmt.Errorf("%w: %q", ErrUnknownJobType, m.JobType)
	}
	return m, nil
}
