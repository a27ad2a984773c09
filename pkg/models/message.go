// Package models contains request/response models and business domain types.
package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one turn of a conversation. The Parts slice is the render
// order; text parts concatenate for string conversion.
type Message struct {
	ID    string `json:"id"`
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
}

// Text flattens the message's text parts into a single string.
// Non-text parts are skipped.
func (m Message) Text() string {
	var sb strings.Builder
	for _, p := range m.Parts {
		if tp, ok := p.(TextPart); ok {
			sb.WriteString(tp.Text)
		}
	}
	return sb.String()
}

// NewUserMessage builds a user message with a single text part.
func NewUserMessage(id, content string) Message {
	return Message{ID: id, Role: RoleUser, Parts: []Part{TextPart{Text: content}}}
}

// NewAssistantMessage builds an assistant message with a single text part.
func NewAssistantMessage(id, content string) Message {
	return Message{ID: id, Role: RoleAssistant, Parts: []Part{TextPart{Text: content}}}
}

// partEnvelope is the wire form of a Part: the type tag plus the raw body.
type partEnvelope struct {
	Type string `json:"type"`
}

// MarshalJSON serializes the message with its discriminated parts.
func (m Message) MarshalJSON() ([]byte, error) {
	raw := make([]json.RawMessage, len(m.Parts))
	for i, p := range m.Parts {
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("marshal part %d: %w", i, err)
		}
		raw[i] = b
	}
	return json.Marshal(struct {
		ID    string            `json:"id"`
		Role  Role              `json:"role"`
		Parts []json.RawMessage `json:"parts"`
	}{m.ID, m.Role, raw})
}

// UnmarshalJSON restores the discriminated parts from their type tags.
func (m *Message) UnmarshalJSON(data []byte) error {
	var wire struct {
		ID    string            `json:"id"`
		Role  Role              `json:"role"`
		Parts []json.RawMessage `json:"parts"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	m.ID = wire.ID
	m.Role = wire.Role
	m.Parts = m.Parts[:0]
	for i, raw := range wire.Parts {
		part, err := UnmarshalPart(raw)
		if err != nil {
			return fmt.Errorf("unmarshal part %d: %w", i, err)
		}
		m.Parts = append(m.Parts, part)
	}
	return nil
}

// MarshalParts serializes a part list to a JSON array (for DB storage).
func MarshalParts(parts []Part) ([]byte, error) {
	raw := make([]json.RawMessage, len(parts))
	for i, p := range parts {
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("marshal part %d: %w", i, err)
		}
		raw[i] = b
	}
	return json.Marshal(raw)
}

// UnmarshalParts restores a part list from a JSON array.
func UnmarshalParts(data []byte) ([]Part, error) {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, err
	}
	parts := make([]Part, 0, len(raws))
	for i, raw := range raws {
		p, err := UnmarshalPart(raw)
		if err != nil {
			return nil, fmt.Errorf("unmarshal part %d: %w", i, err)
		}
		parts = append(parts, p)
	}
	return parts, nil
}
