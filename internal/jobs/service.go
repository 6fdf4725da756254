package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/aimerfeng/CampusRAG/internal/config"
	apierrors "github.com/aimerfeng/CampusRAG/internal/errors"
	"github.com/aimerfeng/CampusRAG/internal/logging"
	"github.com/aimerfeng/CampusRAG/internal/models"
	"github.com/aimerfeng/CampusRAG/internal/monitoring"
	"github.com/aimerfeng/CampusRAG/internal/queue"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Service errors
var (
	ErrEmptyFilename     = errors.New("filename is required")
	ErrEmptyTopic        = errors.New("topic is required")
	ErrInvalidTopic      = errors.New("topic must be lowercase letters, digits, '-' or '_' (max 63)")
	ErrUnsupportedFormat = errors.New("unsupported file format")
	ErrEmptyFile         = errors.New("file is empty")
	ErrFileTooLarge      = errors.New("file exceeds the maximum allowed size")
)

const maxCASAttempts = 5

var topicPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,62}$`)

// Auditor receives fire-and-forget audit events
type Auditor interface {
	Publish(ev models.AuditEvent)
}

// SourceRemover deletes every chunk of one source document
type SourceRemover interface {
	DeleteBySource(ctx context.Context, topic, source string, filter map[string]string) error
}

// Service owns indexing job records and their state machine
type Service struct {
	store   Store
	queue   queue.Queue
	files   *FileStore
	index   SourceRemover
	auditor Auditor
	cfg     *config.IngestConfig
	logger  zerolog.Logger
}

// NewService creates a new job lifecycle service
func NewService(store Store, q queue.Queue, files *FileStore, index SourceRemover, auditor Auditor, cfg *config.IngestConfig) *Service {
	return &Service{
		store:   store,
		queue:   q,
		files:   files,
		index:   index,
		auditor: auditor,
		cfg:     cfg,
		logger:  logging.NewLogger("jobs"),
	}
}

// SubmitRequest describes a document already stored at FileRef
type SubmitRequest struct {
	OwnerID   string
	Filename  string
	FileRef   string
	MimeType  string
	Topic     string
	Metadata  map[string]string
	Size      int64
	IPAddress string
}

// NormalizeTopic trims and lowercases a topic name
func NormalizeTopic(topic string) string {
	return strings.ToLower(strings.TrimSpace(topic))
}

// ValidateSubmission checks filename, topic, format and size. A negative size skips the size checks.
func (s *Service) ValidateSubmission(filename, topic string, size int64) error {
	const op = "jobs.submit"
	if strings.TrimSpace(filename) == "" {
		return apierrors.Validation(op, ErrEmptyFilename)
	}
	topic = NormalizeTopic(topic)
	if topic == "" {
		return apierrors.Validation(op, ErrEmptyTopic)
	}
	if !topicPattern.MatchString(topic) {
		return apierrors.Validation(op, ErrInvalidTopic)
	}
	if !s.allowedExtension(filename) {
		return apierrors.Validation(op, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(filename)))
	}
	if size < 0 {
		return nil
	}
	if size == 0 {
		return apierrors.Validation(op, ErrEmptyFile)
	}
	if size > s.maxFileSize() {
		return apierrors.Validation(op, ErrFileTooLarge)
	}
	return nil
}

func (s *Service) allowedExtension(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	for _, allowed := range s.cfg.AllowedExtensions {
		if strings.EqualFold(strings.TrimSpace(allowed), ext) {
			return true
		}
	}
	return false
}

func (s *Service) maxFileSize() int64 {
	return s.cfg.MaxFileSizeMB << 20
}

// Submit creates a PENDING job and enqueues it for indexing. If the enqueue
// fails the job is marked FAILED so it never sits in PENDING forever.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*models.IndexingJob, error) {
	if err := s.ValidateSubmission(req.Filename, req.Topic, req.Size); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	job := &models.IndexingJob{
		ID:        uuid.New(),
		OwnerID:   req.OwnerID,
		Filename:  strings.TrimSpace(req.Filename),
		FileRef:   req.FileRef,
		MimeType:  req.MimeType,
		Topic:     NormalizeTopic(req.Topic),
		Metadata:  req.Metadata,
		Status:    models.JobStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Create(ctx, job); err != nil {
		return nil, err
	}

	msg := models.IndexingMessage{
		JobID:    job.ID,
		OwnerID:  job.OwnerID,
		FileRef:  job.FileRef,
		Filename: job.Filename,
		MimeType: job.MimeType,
		Topic:    job.Topic,
		Metadata: job.Metadata,
	}
	if err := s.queue.Publish(ctx, msg); err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID.String()).Msg("Failed to enqueue indexing job")
		if _, ferr := s.MarkFailed(context.WithoutCancel(ctx), job.ID, "failed to enqueue: "+err.Error()); ferr != nil {
			s.logger.Error().Err(ferr).Str("job_id", job.ID.String()).Msg("Failed to mark unqueued job as failed")
		}
		return nil, apierrors.Transient("jobs.submit", err)
	}

	s.logger.Info().
		Str("job_id", job.ID.String()).
		Str("owner_id", job.OwnerID).
		Str("topic", job.Topic).
		Str("filename", job.Filename).
		Msg("Indexing job submitted")

	s.audit(models.AuditEvent{
		Action:    models.AuditActionDocumentUpload,
		UserID:    job.OwnerID,
		IPAddress: req.IPAddress,
		Detail: map[string]any{
			"job_id":   job.ID.String(),
			"filename": job.Filename,
			"topic":    job.Topic,
			"size":     req.Size,
		},
	})
	return job, nil
}

// UploadRequest is a document upload that still has to be stored
type UploadRequest struct {
	OwnerID   string
	Filename  string
	MimeType  string
	Topic     string
	Metadata  map[string]string
	IPAddress string
}

// SubmitUpload validates the request, stores the file and submits it
func (s *Service) SubmitUpload(ctx context.Context, req UploadRequest, body io.Reader) (*models.IndexingJob, error) {
	if err := s.ValidateSubmission(req.Filename, req.Topic, -1); err != nil {
		return nil, err
	}
	ref, size, err := s.files.Save(req.OwnerID, req.Filename, body, s.maxFileSize())
	if err != nil {
		if errors.Is(err, ErrFileTooLarge) || errors.Is(err, ErrEmptyFile) {
			return nil, apierrors.Validation("jobs.submit", err)
		}
		return nil, err
	}

	job, err := s.Submit(ctx, SubmitRequest{
		OwnerID:   req.OwnerID,
		Filename:  req.Filename,
		FileRef:   ref,
		MimeType:  req.MimeType,
		Topic:     req.Topic,
		Metadata:  req.Metadata,
		Size:      size,
		IPAddress: req.IPAddress,
	})
	if err != nil && apierrors.IsValidation(err) {
		s.files.Remove(ref)
	}
	return job, err
}

// GetStatus returns a job snapshot. Jobs owned by someone else are reported as not found.
func (s *Service) GetStatus(ctx context.Context, id uuid.UUID, ownerID string) (*models.IndexingJob, error) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, classifyStoreError("jobs.get_status", err)
	}
	if job.OwnerID != ownerID {
		return nil, apierrors.NotFound("jobs.get_status", ErrJobNotFound)
	}
	return job, nil
}

// Cancel moves a PENDING or PROCESSING job to CANCELLED
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, ownerID string) (*models.IndexingJob, error) {
	const op = "jobs.cancel"
	for i := 0; i < maxCASAttempts; i++ {
		job, err := s.GetStatus(ctx, id, ownerID)
		if err != nil {
			return nil, err
		}
		if job.Status.IsTerminal() {
			return nil, apierrors.InvalidState(op, fmt.Errorf("%w: %s", ErrJobTerminal, job.Status))
		}
		updated, err := s.store.Transition(ctx, id, job.Status, models.JobStatusCancelled, Update{})
		if errors.Is(err, ErrStaleStatus) {
			continue
		}
		if err != nil {
			return nil, classifyStoreError(op, err)
		}
		s.recordTransition(updated, job.Status)
		s.audit(models.AuditEvent{
			Action: models.AuditActionJobCancelled,
			UserID: ownerID,
			Detail: map[string]any{"job_id": id.String(), "previous_status": string(job.Status)},
		})
		return updated, nil
	}
	return nil, apierrors.Conflict(op, ErrStaleStatus)
}

// MarkProcessing claims a job for a worker. A job already PROCESSING is a
// redelivery after a crash and is returned unchanged. Terminal jobs yield ErrJobTerminal.
func (s *Service) MarkProcessing(ctx context.Context, id uuid.UUID) (*models.IndexingJob, error) {
	return s.advance(ctx, "jobs.mark_processing", id, models.JobStatusProcessing, Update{}, func(cur models.JobStatus) bool {
		return cur == models.JobStatusPending
	}, func(cur models.JobStatus) bool {
		return cur == models.JobStatusProcessing
	})
}

// MarkCompleted records a successful run
func (s *Service) MarkCompleted(ctx context.Context, id uuid.UUID, chunks int) (*models.IndexingJob, error) {
	return s.advance(ctx, "jobs.mark_completed", id, models.JobStatusCompleted, Update{ChunksCreated: &chunks}, func(cur models.JobStatus) bool {
		return cur == models.JobStatusProcessing
	}, nil)
}

// MarkFailed records a terminal failure with a human-readable message
func (s *Service) MarkFailed(ctx context.Context, id uuid.UUID, message string) (*models.IndexingJob, error) {
	return s.advance(ctx, "jobs.mark_failed", id, models.JobStatusFailed, Update{ErrorMessage: &message}, func(cur models.JobStatus) bool {
		return cur == models.JobStatusPending || cur == models.JobStatusProcessing
	}, nil)
}

// IsCancelled reports whether the job was cancelled
func (s *Service) IsCancelled(ctx context.Context, id uuid.UUID) (bool, error) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return false, classifyStoreError("jobs.is_cancelled", err)
	}
	return job.Status == models.JobStatusCancelled, nil
}

// advance runs the compare-and-set loop for worker-driven transitions.
// from decides whether the current status may move to "to"; already (optional)
// accepts the current status as-is without writing.
func (s *Service) advance(ctx context.Context, op string, id uuid.UUID, to models.JobStatus, upd Update, from, already func(models.JobStatus) bool) (*models.IndexingJob, error) {
	for i := 0; i < maxCASAttempts; i++ {
		job, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, classifyStoreError(op, err)
		}
		if already != nil && already(job.Status) {
			return job, nil
		}
		if job.Status.IsTerminal() {
			return job, ErrJobTerminal
		}
		if !from(job.Status) {
			return job, apierrors.InvalidState(op, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, job.Status, to))
		}
		updated, err := s.store.Transition(ctx, id, job.Status, to, upd)
		if errors.Is(err, ErrStaleStatus) {
			continue
		}
		if err != nil {
			return nil, classifyStoreError(op, err)
		}
		s.recordTransition(updated, job.Status)
		return updated, nil
	}
	return nil, apierrors.Conflict(op, ErrStaleStatus)
}

func (s *Service) recordTransition(job *models.IndexingJob, from models.JobStatus) {
	logging.LogJobTransition(job.ID.String(), job.OwnerID, string(from), string(job.Status))
	monitoring.RecordJobTransition(string(from), string(job.Status))
}

// List returns the owner's jobs, newest first
func (s *Service) List(ctx context.Context, ownerID string, filter ListFilter) ([]*models.IndexingJob, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, apierrors.Validationf("jobs.list", "unknown status %q", filter.Status)
	}
	if filter.Limit <= 0 || filter.Limit > 100 {
		filter.Limit = 50
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	filter.Topic = NormalizeTopic(filter.Topic)
	return s.store.List(ctx, ownerID, filter)
}

// Stats returns per-status counts for the owner
func (s *Service) Stats(ctx context.Context, ownerID string) (*models.JobStats, error) {
	return s.store.Stats(ctx, ownerID)
}

// Topics returns the owner's topics with at least one completed document
func (s *Service) Topics(ctx context.Context, ownerID string) ([]string, error) {
	return s.store.Topics(ctx, ownerID)
}

// DeleteDocument removes a source document's chunks from the index. Job rows are kept.
func (s *Service) DeleteDocument(ctx context.Context, ownerID, filename, topic string) error {
	const op = "jobs.delete_document"
	if strings.TrimSpace(filename) == "" {
		return apierrors.Validation(op, ErrEmptyFilename)
	}
	topic = NormalizeTopic(topic)
	if topic == "" {
		return apierrors.Validation(op, ErrEmptyTopic)
	}
	if err := s.index.DeleteBySource(ctx, topic, strings.TrimSpace(filename), map[string]string{"owner_id": ownerID}); err != nil {
		return err
	}
	s.audit(models.AuditEvent{
		Action: models.AuditActionDocumentDelete,
		UserID: ownerID,
		Detail: map[string]any{"filename": filename, "topic": topic},
	})
	return nil
}

func (s *Service) audit(ev models.AuditEvent) {
	if s.auditor == nil {
		return
	}
	ev.Service = "jobs"
	s.auditor.Publish(ev)
}

func classifyStoreError(op string, err error) error {
	switch {
	case errors.Is(err, ErrJobNotFound):
		return apierrors.NotFound(op, err)
	case errors.Is(err, ErrIllegalTransition), errors.Is(err, ErrJobTerminal):
		return apierrors.InvalidState(op, err)
	default:
		return err
	}
}
