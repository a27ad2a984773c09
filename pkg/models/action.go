package models

import "fmt"

// ActionType discriminates planner decisions.
type ActionType string

const (
	ActionContinue ActionType = "continue"
	ActionAnswer   ActionType = "answer"
)

// Action is the planner's decision for one loop step.
// Query and Feedback are mandatory iff Type == continue.
type Action struct {
	Title     string     `json:"title"`
	Reasoning string     `json:"reasoning"`
	Type      ActionType `json:"type"`
	Query     string     `json:"query,omitempty"`
	Feedback  string     `json:"feedback,omitempty"`
}

// Validate rejects structurally invalid actions: unknown types and
// continue decisions without a query.
func (a Action) Validate() error {
	switch a.Type {
	case ActionContinue:
		if a.Query == "" {
			return fmt.Errorf("continue action is missing a query")
		}
	case ActionAnswer:
		// No extra fields required.
	default:
		return fmt.Errorf("unknown action type %q", a.Type)
	}
	return nil
}

// TokenUsage holds token counts for a single LLM call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// UsageEntry attributes token usage to a named pipeline stage.
type UsageEntry struct {
	Description string     `json:"description"`
	Usage       TokenUsage `json:"usage"`
}
