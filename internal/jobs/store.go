package jobs

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/aimerfeng/CampusRAG/internal/models"
	"github.com/google/uuid"
)

// Store errors
var (
	ErrJobNotFound       = errors.New("job not found")
	ErrStaleStatus       = errors.New("job status changed concurrently")
	ErrIllegalTransition = errors.New("illegal job status transition")
	ErrJobTerminal       = errors.New("job is in a terminal state")
)

// Update carries the fields written together with a status change
type Update struct {
	ChunksCreated *int
	ErrorMessage  *string
}

// ListFilter narrows a job listing
type ListFilter struct {
	Status models.JobStatus
	Topic  string
	Limit  int
	Offset int
}

// Store persists indexing jobs. Transition is a compare-and-set on status:
// it only writes when the stored status still equals from.
type Store interface {
	Create(ctx context.Context, job *models.IndexingJob) error
	Get(ctx context.Context, id uuid.UUID) (*models.IndexingJob, error)
	List(ctx context.Context, ownerID string, filter ListFilter) ([]*models.IndexingJob, error)
	Stats(ctx context.Context, ownerID string) (*models.JobStats, error)
	Topics(ctx context.Context, ownerID string) ([]string, error)
	Transition(ctx context.Context, id uuid.UUID, from, to models.JobStatus, upd Update) (*models.IndexingJob, error)
}

// MemoryStore is a Store backed by a map
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[uuid.UUID]*models.IndexingJob
	now  func() time.Time
}

// NewMemoryStore creates an empty in-memory job store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[uuid.UUID]*models.IndexingJob),
		now:  time.Now,
	}
}

func (s *MemoryStore) Create(_ context.Context, job *models.IndexingJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return errors.New("job already exists")
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*models.IndexingJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context, ownerID string, filter ListFilter) ([]*models.IndexingJob, error) {
	s.mu.RLock()
	var out []*models.IndexingJob
	for _, job := range s.jobs {
		if job.OwnerID != ownerID {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.Topic != "" && job.Topic != filter.Topic {
			continue
		}
		out = append(out, job.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) Stats(_ context.Context, ownerID string) (*models.JobStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := &models.JobStats{ByStatus: make(map[models.JobStatus]int)}
	for _, job := range s.jobs {
		if job.OwnerID != ownerID {
			continue
		}
		stats.ByStatus[job.Status]++
		stats.Total++
		stats.TotalChunks += job.ChunksCreated
	}
	return stats, nil
}

func (s *MemoryStore) Topics(_ context.Context, ownerID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool)
	var topics []string
	for _, job := range s.jobs {
		if job.OwnerID != ownerID || job.Status != models.JobStatusCompleted || seen[job.Topic] {
			continue
		}
		seen[job.Topic] = true
		topics = append(topics, job.Topic)
	}
	sort.Strings(topics)
	return topics, nil
}

func (s *MemoryStore) Transition(_ context.Context, id uuid.UUID, from, to models.JobStatus, upd Update) (*models.IndexingJob, error) {
	if !models.CanTransition(from, to) {
		return nil, ErrIllegalTransition
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	if job.Status != from {
		return nil, ErrStaleStatus
	}
	job.Status = to
	if upd.ChunksCreated != nil {
		job.ChunksCreated = *upd.ChunksCreated
	}
	if upd.ErrorMessage != nil {
		msg := *upd.ErrorMessage
		job.ErrorMessage = &msg
	}
	job.UpdatedAt = s.now()
	return job.Clone(), nil
}
