// Package prompt assembles the prompts for every LLM-driven stage of the
// research loop. Builders are pure string assembly — all state comes in as
// arguments so they are trivially testable.
package prompt

import (
	"fmt"
	"strings"
	"time"
)

// Inputs carries the context snapshot shared by most prompts.
type Inputs struct {
	Date            time.Time
	LocationContext string
	SearchHistory   string
	LastFeedback    string
	Conversation    string
	InitialQuestion string
	LatestMessage   string
}

func dateLine(t time.Time) string {
	return "Current date: " + t.Format("Monday, January 2, 2006") + "\n"
}

// PlannerSystem is the planner's standing instruction set.
func PlannerSystem() string {
	return `You are the research planner of a deep-research agent. Each step you
decide the next action: search for more evidence, or answer now.

Rules:
- Prefer "continue" until the gathered evidence plausibly answers the question.
- If recent searches returned zero results, stop narrowing — broaden the query
  or answer with what you have.
- Never repeat a query that was already executed.
- When you return "continue" you MUST include both "query" (the next search)
  and "feedback" (one sentence describing what is still missing).
- "title" is a short label shown in the UI while the step runs.
Respond with a single JSON object matching the provided schema.`
}

// Planner builds the per-step planner prompt.
func Planner(in Inputs) string {
	var sb strings.Builder
	sb.WriteString(dateLine(in.Date))
	sb.WriteString(in.LocationContext)

	sb.WriteString("\n## Search history\n")
	sb.WriteString(in.SearchHistory)
	sb.WriteString("\n")

	if in.LastFeedback != "" {
		sb.WriteString("\n## Previous feedback\n")
		sb.WriteString(in.LastFeedback)
		sb.WriteString("\n")
	}

	sb.WriteString("\n## Conversation\n")
	sb.WriteString(in.Conversation)

	fmt.Fprintf(&sb, "\n## Initial question\n%s\n", in.InitialQuestion)
	fmt.Fprintf(&sb, "\n## Latest user message\n%s\n", in.LatestMessage)
	sb.WriteString("\nDecide the next action.")
	return sb.String()
}

// PlannerSchema is the JSON schema constraining planner output.
func PlannerSchema() map[string]any {
	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"title":     map[string]any{"type": "string", "description": "Short UI label for this step"},
			"reasoning": map[string]any{"type": "string"},
			"type":      map[string]any{"type": "string", "enum": []string{"continue", "answer"}},
			"query":     map[string]any{"type": []string{"string", "null"}, "description": "Next search query; required when type is continue"},
			"feedback":  map[string]any{"type": []string{"string", "null"}, "description": "What is still missing; required when type is continue"},
		},
		"required": []string{"title", "reasoning", "type", "query", "feedback"},
	}
}

// Guardrail builds the safety classification prompt.
func Guardrail(latestMessage string) string {
	var sb strings.Builder
	sb.WriteString(`Classify the user request below as "allow" or "refuse".
Refuse requests for clearly harmful, illegal, or abusive content. Allow
everything else, including sensitive but legitimate research topics.
Respond with a single JSON object matching the provided schema.

## User request
`)
	sb.WriteString(latestMessage)
	return sb.String()
}

// GuardrailSchema constrains guardrail output.
func GuardrailSchema() map[string]any {
	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"classification": map[string]any{"type": "string", "enum": []string{"allow", "refuse"}},
			"reason":         map[string]any{"type": []string{"string", "null"}},
		},
		"required": []string{"classification", "reason"},
	}
}

// Clarifier builds the ambiguity check prompt.
func Clarifier(in Inputs) string {
	var sb strings.Builder
	sb.WriteString(`Decide whether the user's latest message can be researched as-is, or
whether essential information is missing (an unresolved "it", a missing
subject, an ambiguous timeframe). Only ask for clarification when research
genuinely cannot start. Respond with a single JSON object matching the
provided schema.

`)
	sb.WriteString("## Conversation\n")
	sb.WriteString(in.Conversation)
	fmt.Fprintf(&sb, "\n## Latest user message\n%s\n", in.LatestMessage)
	return sb.String()
}

// ClarifierSchema constrains clarifier output.
func ClarifierSchema() map[string]any {
	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"needs_clarification": map[string]any{"type": "boolean"},
			"reason":              map[string]any{"type": []string{"string", "null"}},
		},
		"required": []string{"needs_clarification", "reason"},
	}
}

// ClarificationQuestion asks the user for the missing information.
func ClarificationQuestion(reason, conversation string) string {
	var sb strings.Builder
	sb.WriteString("The user's request cannot be researched yet. Ask the user a single, friendly question for the missing information identified here:\n\n")
	sb.WriteString(reason)
	sb.WriteString("\n\n## Conversation\n")
	sb.WriteString(conversation)
	return sb.String()
}

// Refusal produces a polite refusal response.
func Refusal(reason string) string {
	var sb strings.Builder
	sb.WriteString("Politely decline the user's request in one or two sentences, without repeating harmful details. Offer to help with something related and safe instead.")
	if reason != "" {
		sb.WriteString("\nInternal refusal reason (do not quote verbatim): ")
		sb.WriteString(reason)
	}
	return sb.String()
}

// Rewriter builds the query optimization prompt.
func Rewriter(in Inputs, proposedQuery string) string {
	var sb strings.Builder
	sb.WriteString(dateLine(in.Date))
	sb.WriteString(`You optimize web search queries for a research agent. Rewrite the proposed
query into a single line that is most likely to surface the missing evidence.

Rules:
- Do not duplicate queries that were already executed.
- If previous narrow queries returned zero results, broaden.
- If the user asks for "recent" or "latest" information, include date tokens
  (the current year or month).
- Return only the query text, nothing else.

`)
	sb.WriteString("## Previous searches\n")
	sb.WriteString(in.SearchHistory)
	fmt.Fprintf(&sb, "\n## What is still missing\n%s\n", in.LastFeedback)
	sb.WriteString("\n## Conversation\n")
	sb.WriteString(in.Conversation)
	fmt.Fprintf(&sb, "\n## Proposed query\n%s\n", proposedQuery)
	return sb.String()
}

// Summarizer builds the per-URL extraction prompt.
func Summarizer(conversation, query, title, url, date, content string) string {
	var sb strings.Builder
	sb.WriteString(`Extract the facts from the page below that are relevant to the research
query. Write a cohesive narrative, not bullet fragments. Preserve dates,
numbers, and statistics exactly as stated. Never invent information that is
not in the supplied content. If the page is irrelevant, say so in one line.

`)
	fmt.Fprintf(&sb, "## Research query\n%s\n", query)
	sb.WriteString("\n## Conversation context\n")
	sb.WriteString(conversation)
	fmt.Fprintf(&sb, "\n## Page\nTitle: %s\nURL: %s\n", title, url)
	if date != "" {
		fmt.Fprintf(&sb, "Date: %s\n", date)
	}
	sb.WriteString("\n<page_content>\n")
	sb.WriteString(content)
	sb.WriteString("\n</page_content>\n")
	return sb.String()
}

// AnswerSystem is the answerer's standing style guide.
func AnswerSystem() string {
	return `You are the final writer of a deep-research agent. Write a grounded,
well-structured markdown answer to the user's question using ONLY the
gathered evidence.

Style rules:
- Cite with footnotes: [^1] in the text, and a definition list at the very
  end with one "[^1]: https://example.com" line per source.
- Never use inline links of the form [text](url).
- Use **bold** sparingly for key facts; use headings only when the answer is
  long enough to need them.
- Preserve exact dates, versions, and numbers from the evidence.
- If the evidence is incomplete, say plainly what could not be verified.`
}

// Answer builds the final answer prompt. When isFinal is set, the loop ran
// out of budget and the answer must acknowledge gaps.
func Answer(in Inputs, isFinal bool) string {
	var sb strings.Builder
	sb.WriteString(dateLine(in.Date))
	sb.WriteString(in.LocationContext)

	if isFinal {
		sb.WriteString("\nThe research budget is exhausted. Answer with the evidence below as best you can, and explicitly acknowledge what remains unverified.\n")
	}

	fmt.Fprintf(&sb, "\n## Initial question\n%s\n", in.InitialQuestion)
	sb.WriteString("\n## Conversation\n")
	sb.WriteString(in.Conversation)
	fmt.Fprintf(&sb, "\n## Latest user message\n%s\n", in.LatestMessage)
	sb.WriteString("\n## Evidence\n")
	sb.WriteString(in.SearchHistory)
	sb.WriteString("\nWrite the answer now.")
	return sb.String()
}

// Title asks for a short chat title from the opening user message(s).
func Title(userMessages string) string {
	var sb strings.Builder
	sb.WriteString(`Write a title for a chat that starts with the message(s) below.
At most 8 words, no quotes, no trailing punctuation. Return only the title.

`)
	sb.WriteString(userMessages)
	return sb.String()
}
