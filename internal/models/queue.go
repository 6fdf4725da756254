package models

import (
	"time"

	"github.com/google/uuid"
)

// IndexingMessage is the queue payload for one indexing attempt
type IndexingMessage struct {
	JobID        uuid.UUID         `json:"job_id"`
	OwnerID      string            `json:"owner_id"`
	FileRef      string            `json:"file_ref"`
	Filename     string            `json:"filename"`
	MimeType     string            `json:"mime_type,omitempty"`
	Topic        string            `json:"topic"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	AttemptCount int               `json:"attempt_count"`
	NotBefore    time.Time         `json:"not_before,omitempty"`
}

// DeadLetterMessage is an indexing message that will not be retried
type DeadLetterMessage struct {
	IndexingMessage
	LastError string    `json:"last_error"`
	FailedAt  time.Time `json:"failed_at"`
}
