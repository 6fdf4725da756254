package chat

import (
	"context"
	"errors"
	"fmt"

	apierrors "github.com/aimerfeng/CampusRAG/internal/errors"
	"github.com/aimerfeng/CampusRAG/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresConversations persists conversations in the conversations and
// conversation_messages tables
type PostgresConversations struct {
	db *pgxpool.Pool
}

// NewPostgresConversations creates a conversation store on a pgx pool
func NewPostgresConversations(db *pgxpool.Pool) *PostgresConversations {
	return &PostgresConversations{db: db}
}

func (s *PostgresConversations) Create(ctx context.Context, conv *models.Conversation) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO conversations (id, user_id, title, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`, conv.ID, conv.UserID, conv.Title, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return apierrors.Transient("chat.create_conversation", fmt.Errorf("failed to create conversation: %w", err))
	}
	return nil
}

func (s *PostgresConversations) Get(ctx context.Context, id uuid.UUID) (*models.Conversation, error) {
	var c models.Conversation
	err := s.db.QueryRow(ctx, `
		SELECT id, user_id, title, created_at, updated_at
		FROM conversations WHERE id = $1
	`, id).Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrConversationNotFound
		}
		return nil, apierrors.Transient("chat.get_conversation", fmt.Errorf("failed to get conversation: %w", err))
	}
	return &c, nil
}

func (s *PostgresConversations) List(ctx context.Context, userID string, limit, offset int) ([]*models.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, user_id, title, created_at, updated_at
		FROM conversations WHERE user_id = $1
		ORDER BY updated_at DESC, id ASC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, apierrors.Transient("chat.list_conversations", fmt.Errorf("failed to list conversations: %w", err))
	}
	defer rows.Close()

	var out []*models.Conversation
	for rows.Next() {
		var c models.Conversation
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// Delete removes the conversation; its messages go with it via ON DELETE CASCADE
func (s *PostgresConversations) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM conversations WHERE id = $1`, id)
	if err != nil {
		return apierrors.Transient("chat.delete_conversation", fmt.Errorf("failed to delete conversation: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return ErrConversationNotFound
	}
	return nil
}

func (s *PostgresConversations) Messages(ctx context.Context, id uuid.UUID, limit int) ([]models.ConversationTurn, error) {
	query := `SELECT conversation_id, role, content, used_rag, sources, created_at
		FROM conversation_messages WHERE conversation_id = $1 ORDER BY id ASC`
	args := []any{id}
	if limit > 0 {
		query = `SELECT conversation_id, role, content, used_rag, sources, created_at FROM (
			SELECT id, conversation_id, role, content, used_rag, sources, created_at
			FROM conversation_messages WHERE conversation_id = $1
			ORDER BY id DESC LIMIT $2
		) recent ORDER BY id ASC`
		args = append(args, limit)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, apierrors.Transient("chat.messages", fmt.Errorf("failed to load messages: %w", err))
	}
	defer rows.Close()

	var out []models.ConversationTurn
	for rows.Next() {
		var t models.ConversationTurn
		if err := rows.Scan(&t.ConversationID, &t.Role, &t.Content, &t.UsedRAG, &t.Sources, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// AppendTurns writes the turns and bumps updated_at in one transaction, so a
// user turn is never stored without its reply
func (s *PostgresConversations) AppendTurns(ctx context.Context, id uuid.UUID, turns ...models.ConversationTurn) error {
	const op = "chat.append_turns"
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return apierrors.Transient(op, err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `UPDATE conversations SET updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return apierrors.Transient(op, fmt.Errorf("failed to touch conversation: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return ErrConversationNotFound
	}

	batch := &pgx.Batch{}
	for _, t := range turns {
		sources := t.Sources
		if sources == nil {
			sources = []string{}
		}
		batch.Queue(`
			INSERT INTO conversation_messages (conversation_id, role, content, used_rag, sources, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, id, t.Role, t.Content, t.UsedRAG, sources, t.CreatedAt)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return apierrors.Transient(op, fmt.Errorf("failed to insert messages: %w", err))
	}
	if err := tx.Commit(ctx); err != nil {
		return apierrors.Transient(op, fmt.Errorf("failed to commit messages: %w", err))
	}
	return nil
}
