package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	apierrors "github.com/aimerfeng/CampusRAG/internal/errors"
	"github.com/aimerfeng/CampusRAG/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// MemoryStore keeps events in memory, ignoring duplicate ids
type MemoryStore struct {
	mu     sync.Mutex
	events map[uuid.UUID]models.AuditEvent
}

// NewMemoryStore creates an empty in-memory audit store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[uuid.UUID]models.AuditEvent)}
}

func (s *MemoryStore) Record(_ context.Context, ev models.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[ev.ID]; !ok {
		s.events[ev.ID] = ev
	}
	return nil
}

// Events returns the stored events, oldest first
func (s *MemoryStore) Events() []models.AuditEvent {
	s.mu.Lock()
	out := make([]models.AuditEvent, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

// PostgresStore appends events to the audit_log table
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates an audit store on a pgx pool
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Record inserts the event. A redelivered event id is ignored.
func (s *PostgresStore) Record(ctx context.Context, ev models.AuditEvent) error {
	detail, err := json.Marshal(ev.Detail)
	if err != nil {
		return apierrors.Permanent("audit.record", fmt.Errorf("failed to encode detail: %w", err))
	}
	var userID, ip *string
	if ev.UserID != "" {
		userID = &ev.UserID
	}
	if ev.IPAddress != "" {
		ip = &ev.IPAddress
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO audit_log (id, action, service, user_id, detail, ip_address, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, ev.ID, ev.Action, ev.Service, userID, detail, ip, ev.CreatedAt)
	if err != nil {
		return apierrors.Transient("audit.record", fmt.Errorf("failed to insert audit event: %w", err))
	}
	return nil
}
