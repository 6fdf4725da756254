package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	apierrors "github.com/aimerfeng/CampusRAG/internal/errors"
	"github.com/aimerfeng/CampusRAG/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const jobColumns = `id, owner_id, filename, file_ref, mime_type, topic, metadata,
	status, chunks_created, error_message, created_at, updated_at`

// PostgresStore persists jobs in the indexing_jobs table
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a job store on a pgx pool
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

func scanJob(row pgx.Row) (*models.IndexingJob, error) {
	var job models.IndexingJob
	var metadata []byte
	err := row.Scan(
		&job.ID, &job.OwnerID, &job.Filename, &job.FileRef, &job.MimeType,
		&job.Topic, &metadata, &job.Status, &job.ChunksCreated,
		&job.ErrorMessage, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &job.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode job metadata: %w", err)
		}
	}
	return &job, nil
}

func (s *PostgresStore) Create(ctx context.Context, job *models.IndexingJob) error {
	metadata, err := json.Marshal(job.Metadata)
	if err != nil {
		return apierrors.Validation("jobs.create", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO indexing_jobs (
			id, owner_id, filename, file_ref, mime_type, topic, metadata,
			status, chunks_created, error_message, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, job.ID, job.OwnerID, job.Filename, job.FileRef, job.MimeType, job.Topic, metadata,
		job.Status, job.ChunksCreated, job.ErrorMessage, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return apierrors.Transient("jobs.create", fmt.Errorf("failed to create job: %w", err))
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*models.IndexingJob, error) {
	job, err := scanJob(s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM indexing_jobs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, apierrors.Transient("jobs.get", fmt.Errorf("failed to get job: %w", err))
	}
	return job, nil
}

func (s *PostgresStore) List(ctx context.Context, ownerID string, filter ListFilter) ([]*models.IndexingJob, error) {
	where := []string{"owner_id = $1"}
	args := []any{ownerID}
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Topic != "" {
		args = append(args, filter.Topic)
		where = append(where, fmt.Sprintf("topic = $%d", len(args)))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, filter.Offset)

	query := fmt.Sprintf(`SELECT %s FROM indexing_jobs WHERE %s
		ORDER BY created_at DESC, id ASC LIMIT $%d OFFSET $%d`,
		jobColumns, strings.Join(where, " AND "), len(args)-1, len(args))

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, apierrors.Transient("jobs.list", fmt.Errorf("failed to list jobs: %w", err))
	}
	defer rows.Close()

	var out []*models.IndexingJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, apierrors.Transient("jobs.list", err)
	}
	return out, nil
}

func (s *PostgresStore) Stats(ctx context.Context, ownerID string) (*models.JobStats, error) {
	rows, err := s.db.Query(ctx, `
		SELECT status, COUNT(*), COALESCE(SUM(chunks_created), 0)
		FROM indexing_jobs WHERE owner_id = $1
		GROUP BY status
	`, ownerID)
	if err != nil {
		return nil, apierrors.Transient("jobs.stats", fmt.Errorf("failed to compute job stats: %w", err))
	}
	defer rows.Close()

	stats := &models.JobStats{ByStatus: make(map[models.JobStatus]int)}
	for rows.Next() {
		var status models.JobStatus
		var count, chunks int
		if err := rows.Scan(&status, &count, &chunks); err != nil {
			return nil, fmt.Errorf("failed to scan job stats: %w", err)
		}
		stats.ByStatus[status] = count
		stats.Total += count
		stats.TotalChunks += chunks
	}
	return stats, rows.Err()
}

func (s *PostgresStore) Topics(ctx context.Context, ownerID string) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT DISTINCT topic FROM indexing_jobs
		WHERE owner_id = $1 AND status = $2
		ORDER BY topic
	`, ownerID, models.JobStatusCompleted)
	if err != nil {
		return nil, apierrors.Transient("jobs.topics", fmt.Errorf("failed to list topics: %w", err))
	}
	defer rows.Close()

	var topics []string
	for rows.Next() {
		var topic string
		if err := rows.Scan(&topic); err != nil {
			return nil, err
		}
		topics = append(topics, topic)
	}
	return topics, rows.Err()
}

// Transition updates the row only if its status is still from. A miss is
// resolved by a second read into ErrJobNotFound or ErrStaleStatus.
func (s *PostgresStore) Transition(ctx context.Context, id uuid.UUID, from, to models.JobStatus, upd Update) (*models.IndexingJob, error) {
	if !models.CanTransition(from, to) {
		return nil, ErrIllegalTransition
	}

	job, err := scanJob(s.db.QueryRow(ctx, `
		UPDATE indexing_jobs SET
			status = $3,
			chunks_created = COALESCE($4, chunks_created),
			error_message = COALESCE($5, error_message),
			updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING `+jobColumns,
		id, from, to, upd.ChunksCreated, upd.ErrorMessage,
	))
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, apierrors.Transient("jobs.transition", fmt.Errorf("failed to update job: %w", err))
	}

	var exists bool
	if err := s.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM indexing_jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, apierrors.Transient("jobs.transition", err)
	}
	if !exists {
		return nil, ErrJobNotFound
	}
	return nil, ErrStaleStatus
}
