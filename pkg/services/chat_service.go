// Package services contains business logic service layer implementations.
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lodestar-research/lodestar/pkg/models"
)

// ChatService manages durable chat conversations. Every operation enforces
// ownership: a chat is only visible to the user that created it.
type ChatService struct {
	pool *pgxpool.Pool
}

// NewChatService creates a new ChatService
func NewChatService(pool *pgxpool.Pool) *ChatService {
	return &ChatService{pool: pool}
}

// UpsertChat creates the chat if it does not exist, or replaces its message
// list if it does. The whole operation runs in one transaction, so a
// concurrent reader sees either the old conversation or the new one, never
// a partial mix. created reports whether the chat was newly inserted.
//
// Writing to another user's chat returns ErrAccessDenied.
func (s *ChatService) UpsertChat(httpCtx context.Context, req models.UpsertChatRequest) (created bool, err error) {
	if req.ChatID == "" {
		return false, NewValidationError("chat_id", "required")
	}
	if req.UserID == "" {
		return false, NewValidationError("user_id", "required")
	}

	ctx, cancel := context.WithTimeout(httpCtx, 5*time.Second)
	defer cancel()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var ownerID string
	err = tx.QueryRow(ctx, `SELECT user_id FROM chats WHERE id = $1 FOR UPDATE`, req.ChatID).Scan(&ownerID)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		created = true
		title := req.Title
		if title == "" {
			title = models.ProvisionalTitle
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO chats (id, user_id, title, created_at, updated_at) VALUES ($1, $2, $3, now(), now())`,
			req.ChatID, req.UserID, title); err != nil {
			return false, fmt.Errorf("failed to create chat: %w", err)
		}
	case err != nil:
		return false, fmt.Errorf("failed to look up chat: %w", err)
	case ownerID != req.UserID:
		return false, ErrAccessDenied
	default:
		if req.Title != "" {
			if _, err := tx.Exec(ctx,
				`UPDATE chats SET title = $2, updated_at = now() WHERE id = $1`,
				req.ChatID, req.Title); err != nil {
				return false, fmt.Errorf("failed to update chat: %w", err)
			}
		} else {
			if _, err := tx.Exec(ctx,
				`UPDATE chats SET updated_at = now() WHERE id = $1`, req.ChatID); err != nil {
				return false, fmt.Errorf("failed to touch chat: %w", err)
			}
		}
		if _, err := tx.Exec(ctx, `DELETE FROM messages WHERE chat_id = $1`, req.ChatID); err != nil {
			return false, fmt.Errorf("failed to clear messages: %w", err)
		}
	}

	for i, msg := range req.Messages {
		parts, err := models.MarshalParts(msg.Parts)
		if err != nil {
			return false, fmt.Errorf("failed to encode message %d: %w", i, err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO messages (id, chat_id, role, parts, order_idx, created_at) VALUES ($1, $2, $3, $4, $5, now())`,
			msg.ID, req.ChatID, string(msg.Role), parts, i); err != nil {
			return false, fmt.Errorf("failed to insert message %d: %w", i, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit chat upsert: %w", err)
	}
	return created, nil
}

// GetChat loads one chat with its full message list. A missing chat and a
// chat owned by someone else both return ErrNotFound, so callers cannot
// probe for the existence of other users' chats.
func (s *ChatService) GetChat(httpCtx context.Context, chatID, userID string) (*models.Chat, error) {
	if chatID == "" {
		return nil, NewValidationError("chat_id", "required")
	}

	ctx, cancel := context.WithTimeout(httpCtx, 5*time.Second)
	defer cancel()

	var chat models.Chat
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, title, created_at, updated_at FROM chats WHERE id = $1`, chatID).
		Scan(&chat.ID, &chat.UserID, &chat.Title, &chat.CreatedAt, &chat.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load chat: %w", err)
	}
	if chat.UserID != userID {
		return nil, ErrNotFound
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, role, parts FROM messages WHERE chat_id = $1 ORDER BY order_idx`, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			msg  models.Message
			role string
			raw  []byte
		)
		if err := rows.Scan(&msg.ID, &role, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Role = models.Role(role)
		parts, err := models.UnmarshalParts(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to decode message parts: %w", err)
		}
		msg.Parts = parts
		chat.Messages = append(chat.Messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return &chat, nil
}

// ListChats returns the user's chats, most recently updated first.
func (s *ChatService) ListChats(httpCtx context.Context, userID string) ([]models.ChatSummary, error) {
	ctx, cancel := context.WithTimeout(httpCtx, 5*time.Second)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT id, title, created_at, updated_at FROM chats WHERE user_id = $1 ORDER BY updated_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}
	defer rows.Close()

	summaries := []models.ChatSummary{}
	for rows.Next() {
		var s models.ChatSummary
		if err := rows.Scan(&s.ID, &s.Title, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chat summary: %w", err)
		}
		summaries = append(summaries, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate chats: %w", err)
	}
	return summaries, nil
}

// DeleteChat removes a chat and its messages (cascade). Deleting a missing
// chat or another user's chat returns ErrNotFound.
func (s *ChatService) DeleteChat(httpCtx context.Context, chatID, userID string) error {
	if chatID == "" {
		return NewValidationError("chat_id", "required")
	}

	ctx, cancel := context.WithTimeout(httpCtx, 5*time.Second)
	defer cancel()

	tag, err := s.pool.Exec(ctx,
		`DELETE FROM chats WHERE id = $1 AND user_id = $2`, chatID, userID)
	if err != nil {
		return fmt.Errorf("failed to delete chat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateTitle replaces the chat title. Used by the async title generator;
// a chat deleted mid-generation returns ErrNotFound, which callers may
// ignore.
func (s *ChatService) UpdateTitle(httpCtx context.Context, chatID, userID, title string) error {
	if title == "" {
		return NewValidationError("title", "required")
	}

	ctx, cancel := context.WithTimeout(httpCtx, 5*time.Second)
	defer cancel()

	tag, err := s.pool.Exec(ctx,
		`UPDATE chats SET title = $3, updated_at = now() WHERE id = $1 AND user_id = $2`,
		chatID, userID, title)
	if err != nil {
		return fmt.Errorf("failed to update title: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
