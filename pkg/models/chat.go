package models

import "time"

// ProvisionalTitle is the placeholder title a new chat carries until the
// title generator finishes (or fails — then it stays).
const ProvisionalTitle = "Analyzing..."

// Chat is a durable conversation owned by exactly one user.
type Chat struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ChatSummary is the list-view projection of a chat (no messages).
type ChatSummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UpsertChatRequest contains fields for creating or replacing a chat.
type UpsertChatRequest struct {
	UserID   string    `json:"user_id"`
	ChatID   string    `json:"chat_id"`
	Title    string    `json:"title,omitempty"`
	Messages []Message `json:"messages"`
}
