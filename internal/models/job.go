package models

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the processing status of an indexing job
type JobStatus string

const (
	JobStatusPending    JobStatus = "PENDING"
	JobStatusProcessing JobStatus = "PROCESSING"
	JobStatusCompleted  JobStatus = "COMPLETED"
	JobStatusFailed     JobStatus = "FAILED"
	JobStatusCancelled  JobStatus = "CANCELLED"
)

// AllJobStatuses lists every status in lifecycle order
var AllJobStatuses = []JobStatus{
	JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed, JobStatusCancelled,
}

// jobTransitions is the forward-only lifecycle. Terminal states have no exits.
var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusPending:    {JobStatusProcessing, JobStatusCancelled, JobStatusFailed},
	JobStatusProcessing: {JobStatusCompleted, JobStatusFailed, JobStatusCancelled},
}

// Valid reports whether s is a known status
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether the job can no longer change
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// CanTransition reports whether from -> to is a legal lifecycle step
func CanTransition(from, to JobStatus) bool {
	for _, next := range jobTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IndexingJob is the record of one document submitted for indexing
type IndexingJob struct {
	ID            uuid.UUID         `json:"job_id" db:"id"`
	OwnerID       string            `json:"owner_id" db:"owner_id"`
	Filename      string            `json:"filename" db:"filename"`
	FileRef       string            `json:"-" db:"file_ref"`
	MimeType      string            `json:"mime_type,omitempty" db:"mime_type"`
	Topic         string            `json:"topic" db:"topic"`
	Metadata      map[string]string `json:"metadata,omitempty" db:"metadata"`
	Status        JobStatus         `json:"status" db:"status"`
	ChunksCreated int               `json:"chunks_created" db:"chunks_created"`
	ErrorMessage  *string           `json:"error_message,omitempty" db:"error_message"`
	CreatedAt     time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at" db:"updated_at"`
}

// Clone returns a deep copy so callers cannot mutate stored state
func (j *IndexingJob) Clone() *IndexingJob {
	if j == nil {
		return nil
	}
	cp := *j
	if j.Metadata != nil {
		cp.Metadata = make(map[string]string, len(j.Metadata))
		for k, v := range j.Metadata {
			cp.Metadata[k] = v
		}
	}
	if j.ErrorMessage != nil {
		msg := *j.ErrorMessage
		cp.ErrorMessage = &msg
	}
	return &cp
}

// JobStats summarizes an owner's jobs
type JobStats struct {
	ByStatus    map[JobStatus]int `json:"by_status"`
	Total       int               `json:"total"`
	TotalChunks int               `json:"total_chunks"`
}
