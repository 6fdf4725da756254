package chat

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/aimerfeng/CampusRAG/internal/models"
	"github.com/google/uuid"
)

// ErrConversationNotFound is returned for unknown conversations and for
// conversations owned by another user
var ErrConversationNotFound = errors.New("conversation not found")

// ConversationStore persists conversations and their turns. Messages returns
// the last limit turns in chronological order; limit <= 0 returns all.
type ConversationStore interface {
	Create(ctx context.Context, conv *models.Conversation) error
	Get(ctx context.Context, id uuid.UUID) (*models.Conversation, error)
	List(ctx context.Context, userID string, limit, offset int) ([]*models.Conversation, error)
	Delete(ctx context.Context, id uuid.UUID) error
	Messages(ctx context.Context, id uuid.UUID, limit int) ([]models.ConversationTurn, error)
	AppendTurns(ctx context.Context, id uuid.UUID, turns ...models.ConversationTurn) error
}

// MemoryConversations is a ConversationStore backed by maps
type MemoryConversations struct {
	mu    sync.RWMutex
	convs map[uuid.UUID]models.Conversation
	turns map[uuid.UUID][]models.ConversationTurn
}

// NewMemoryConversations creates an empty in-memory conversation store
func NewMemoryConversations() *MemoryConversations {
	return &MemoryConversations{
		convs: make(map[uuid.UUID]models.Conversation),
		turns: make(map[uuid.UUID][]models.ConversationTurn),
	}
}

func (m *MemoryConversations) Create(_ context.Context, conv *models.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.convs[conv.ID]; ok {
		return errors.New("conversation already exists")
	}
	m.convs[conv.ID] = *conv
	return nil
}

func (m *MemoryConversations) Get(_ context.Context, id uuid.UUID) (*models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conv, ok := m.convs[id]
	if !ok {
		return nil, ErrConversationNotFound
	}
	return &conv, nil
}

func (m *MemoryConversations) List(_ context.Context, userID string, limit, offset int) ([]*models.Conversation, error) {
	m.mu.RLock()
	var out []*models.Conversation
	for _, c := range m.convs {
		if c.UserID == userID {
			conv := c
			out = append(out, &conv)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryConversations) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.convs[id]; !ok {
		return ErrConversationNotFound
	}
	delete(m.convs, id)
	delete(m.turns, id)
	return nil
}

func (m *MemoryConversations) Messages(_ context.Context, id uuid.UUID, limit int) ([]models.ConversationTurn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.convs[id]; !ok {
		return nil, ErrConversationNotFound
	}
	turns := m.turns[id]
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return append([]models.ConversationTurn(nil), turns...), nil
}

func (m *MemoryConversations) AppendTurns(_ context.Context, id uuid.UUID, turns ...models.ConversationTurn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.convs[id]
	if !ok {
		return ErrConversationNotFound
	}
	for _, t := range turns {
		t.ConversationID = id
		t.Sources = append([]string(nil), t.Sources...)
		m.turns[id] = append(m.turns[id], t)
		if t.CreatedAt.After(conv.UpdatedAt) {
			conv.UpdatedAt = t.CreatedAt
		}
	}
	m.convs[id] = conv
	return nil
}
