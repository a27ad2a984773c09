// Package agent implements the deep-research loop: a planner-driven
// controller that searches the web, summarizes evidence, and decides step
// by step whether enough has been gathered to answer.
package agent

import (
	"fmt"
	"strings"

	"github.com/lodestar-research/lodestar/pkg/models"
)

// SystemContext holds all per-request state the pipeline stages read and
// write. It is owned by a single request worker and accessed serially —
// no locking.
type SystemContext struct {
	conversation  []models.Message
	searchHistory []models.SearchEntry
	step          int
	maxSteps      int
	lastFeedback  string
	usage         []models.UsageEntry
	location      models.UserLocation
}

// NewSystemContext creates the context for one request.
func NewSystemContext(conversation []models.Message, maxSteps int, location models.UserLocation) *SystemContext {
	return &SystemContext{
		conversation: conversation,
		maxSteps:     maxSteps,
		location:     location,
	}
}

// InitialQuestion returns the first user message as flattened text.
func (c *SystemContext) InitialQuestion() string {
	for _, m := range c.conversation {
		if m.Role == models.RoleUser {
			return m.Text()
		}
	}
	return ""
}

// LatestUserMessage returns the last user message as flattened text.
func (c *SystemContext) LatestUserMessage() string {
	for i := len(c.conversation) - 1; i >= 0; i-- {
		if c.conversation[i].Role == models.RoleUser {
			return c.conversation[i].Text()
		}
	}
	return ""
}

// ConversationHistory renders the transcript for prompt injection, one
// "Human:"/"Assistant:" line pair per turn.
func (c *SystemContext) ConversationHistory() string {
	var sb strings.Builder
	for _, m := range c.conversation {
		switch m.Role {
		case models.RoleUser:
			sb.WriteString("Human: ")
		case models.RoleAssistant:
			sb.WriteString("Assistant: ")
		default:
			continue
		}
		sb.WriteString(m.Text())
		sb.WriteString("\n")
	}
	return sb.String()
}

// Messages returns the ordered conversation, unmodified.
func (c *SystemContext) Messages() []models.Message {
	return c.conversation
}

// ReportSearch appends one completed search entry to the evidence.
func (c *SystemContext) ReportSearch(entry models.SearchEntry) {
	c.searchHistory = append(c.searchHistory, entry)
}

// SearchHistory returns the accumulated evidence entries.
func (c *SystemContext) SearchHistory() []models.SearchEntry {
	return c.searchHistory
}

// SearchHistoryText renders the evidence deterministically for the planner
// and answerer prompts: grouped by query, each result as a sub-block with
// its summary wrapped in <url_summary> tags.
func (c *SystemContext) SearchHistoryText() string {
	if len(c.searchHistory) == 0 {
		return "No searches have been performed yet."
	}
	var sb strings.Builder
	for i, entry := range c.searchHistory {
		if i > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "## Query: %q\n", entry.Query)
		if len(entry.Results) == 0 {
			sb.WriteString("No results were found for this query.\n")
			continue
		}
		for _, r := range entry.Results {
			fmt.Fprintf(&sb, "### %s\nURL: %s\nSnippet: %s\n", r.Title, r.URL, r.Snippet)
			if r.Date != "" {
				fmt.Fprintf(&sb, "Date: %s\n", r.Date)
			}
			summary := r.Summary
			if summary == "" {
				summary = "No summary available."
			}
			fmt.Fprintf(&sb, "<url_summary>\n%s\n</url_summary>\n", summary)
		}
	}
	return sb.String()
}

// SetLastFeedback records the planner's most recent feedback string.
// Pass "" to clear.
func (c *SystemContext) SetLastFeedback(feedback string) {
	c.lastFeedback = feedback
}

// LastFeedback returns the planner's most recent feedback, or "".
func (c *SystemContext) LastFeedback() string {
	return c.lastFeedback
}

// ReportUsage appends one LLM call's token usage to the ledger.
func (c *SystemContext) ReportUsage(description string, usage models.TokenUsage) {
	c.usage = append(c.usage, models.UsageEntry{Description: description, Usage: usage})
}

// UsageEntries returns the per-call usage ledger.
func (c *SystemContext) UsageEntries() []models.UsageEntry {
	return c.usage
}

// TotalTokens sums the ledger's total token counts.
func (c *SystemContext) TotalTokens() int {
	total := 0
	for _, e := range c.usage {
		total += e.Usage.TotalTokens
	}
	return total
}

// UserLocationContext returns a short prompt preamble describing the
// request origin, or "" when no location is known.
func (c *SystemContext) UserLocationContext() string {
	if c.location.IsZero() {
		return ""
	}
	var parts []string
	if c.location.City != "" {
		parts = append(parts, "city: "+c.location.City)
	}
	if c.location.Country != "" {
		parts = append(parts, "country: "+c.location.Country)
	}
	if c.location.Latitude != "" && c.location.Longitude != "" {
		parts = append(parts, fmt.Sprintf("coordinates: %s,%s", c.location.Latitude, c.location.Longitude))
	}
	return "About the origin of user's request: " + strings.Join(parts, ", ") + "\n"
}

// CurrentStep returns the number of completed loop steps.
func (c *SystemContext) CurrentStep() int {
	return c.step
}

// IncrementStep advances the step counter.
func (c *SystemContext) IncrementStep() {
	c.step++
}

// ShouldStop reports whether the step budget is exhausted.
func (c *SystemContext) ShouldStop() bool {
	return c.step >= c.maxSteps
}

// MaxSteps returns the loop budget.
func (c *SystemContext) MaxSteps() int {
	return c.maxSteps
}
