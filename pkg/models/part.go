package models

import (
	"encoding/json"
	"fmt"
)

// Part type tags. These double as the wire event types for streamed parts.
const (
	PartTypeText           = "text"
	PartTypeToolInvocation = "tool-invocation"
	PartTypeNewAction      = "data-newAction"
	PartTypeSources        = "data-sources"
	PartTypeUsage          = "data-usage"
	PartTypeNewChatCreated = "data-newChatCreated"
	PartTypeClarification  = "data-clarification"
)

// Part is one discriminated element of a message. Concrete variants carry
// a "type" tag in their JSON form; UnmarshalPart dispatches on it.
type Part interface {
	PartType() string
}

// TextPart is plain assistant or user text.
type TextPart struct {
	Text string `json:"text"`
}

func (TextPart) PartType() string { return PartTypeText }

func (p TextPart) MarshalJSON() ([]byte, error) {
	type alias TextPart
	return marshalTagged(PartTypeText, alias(p))
}

// ToolInvocationPart records a tool call made on behalf of the user.
type ToolInvocationPart struct {
	ToolName string          `json:"toolName"`
	Args     json.RawMessage `json:"args,omitempty"`
}

func (ToolInvocationPart) PartType() string { return PartTypeToolInvocation }

func (p ToolInvocationPart) MarshalJSON() ([]byte, error) {
	type alias ToolInvocationPart
	return marshalTagged(PartTypeToolInvocation, alias(p))
}

// NewActionPart announces the planner's decision for one loop step.
type NewActionPart struct {
	Action   Action `json:"action"`
	Step     int    `json:"step"`
	MaxSteps int    `json:"maxSteps"`
}

func (NewActionPart) PartType() string { return PartTypeNewAction }

func (p NewActionPart) MarshalJSON() ([]byte, error) {
	type alias NewActionPart
	return marshalTagged(PartTypeNewAction, alias(p))
}

// SourcesPart lists the sources selected for one search step.
type SourcesPart struct {
	Sources []SearchSource `json:"sources"`
}

func (SourcesPart) PartType() string { return PartTypeSources }

func (p SourcesPart) MarshalJSON() ([]byte, error) {
	type alias SourcesPart
	return marshalTagged(PartTypeSources, alias(p))
}

// UsagePart carries the running token total for the request.
type UsagePart struct {
	TotalTokens int `json:"totalTokens"`
}

func (UsagePart) PartType() string { return PartTypeUsage }

func (p UsagePart) MarshalJSON() ([]byte, error) {
	type alias UsagePart
	return marshalTagged(PartTypeUsage, alias(p))
}

// NewChatCreatedPart tells the client the id of a freshly created chat.
type NewChatCreatedPart struct {
	ChatID string `json:"chatId"`
}

func (NewChatCreatedPart) PartType() string { return PartTypeNewChatCreated }

func (p NewChatCreatedPart) MarshalJSON() ([]byte, error) {
	type alias NewChatCreatedPart
	return marshalTagged(PartTypeNewChatCreated, alias(p))
}

// ClarificationPart is emitted when the clarifier short-circuits the loop.
type ClarificationPart struct {
	Reason string `json:"reason"`
}

func (ClarificationPart) PartType() string { return PartTypeClarification }

func (p ClarificationPart) MarshalJSON() ([]byte, error) {
	type alias ClarificationPart
	return marshalTagged(PartTypeClarification, alias(p))
}

// UnmarshalPart decodes a single part from its tagged JSON form.
func UnmarshalPart(data []byte) (Part, error) {
	var env partEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	switch env.Type {
	case PartTypeText:
		var p TextPart
		return p, json.Unmarshal(data, &p)
	case PartTypeToolInvocation:
		var p ToolInvocationPart
		return p, json.Unmarshal(data, &p)
	case PartTypeNewAction:
		var p NewActionPart
		return p, json.Unmarshal(data, &p)
	case PartTypeSources:
		var p SourcesPart
		return p, json.Unmarshal(data, &p)
	case PartTypeUsage:
		var p UsagePart
		return p, json.Unmarshal(data, &p)
	case PartTypeNewChatCreated:
		var p NewChatCreatedPart
		return p, json.Unmarshal(data, &p)
	case PartTypeClarification:
		var p ClarificationPart
		return p, json.Unmarshal(data, &p)
	default:
		return nil, fmt.Errorf("unknown part type %q", env.Type)
	}
}

// marshalTagged injects the "type" tag into a part's JSON object.
func marshalTagged(tag string, v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(body) == "{}" {
		return []byte(fmt.Sprintf(`{"type":%q}`, tag)), nil
	}
	return append([]byte(fmt.Sprintf(`{"type":%q,`, tag)), body[1:]...), nil
}
