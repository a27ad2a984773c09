// Package llm provides the model gateway: a uniform interface over the
// OpenAI-compatible chat completions API for the three logical roles the
// pipeline uses (planner, summarizer, answerer) plus the small auxiliary
// calls (guardrail, clarifier, query rewriter, title generator).
package llm

import (
	"context"
	"encoding/json"
	"fmt"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"github.com/lodestar-research/lodestar/pkg/models"
)

// TextRequest is a single-shot or streaming text generation request.
type TextRequest struct {
	Model  string
	System string
	Prompt string
	// Telemetry names the pipeline stage for usage attribution.
	Telemetry string
}

// TextResponse is the full text result of a non-streaming call.
type TextResponse struct {
	Text  string
	Usage models.TokenUsage
}

// ObjectRequest is a structured-decoding request. Schema is a JSON Schema
// object; the provider constrains output to it.
type ObjectRequest struct {
	Model      string
	System     string
	Prompt     string
	SchemaName string
	Schema     map[string]any
	Telemetry  string
}

// ObjectResponse carries the raw structured output; callers unmarshal into
// their own type.
type ObjectResponse struct {
	Raw   json.RawMessage
	Usage models.TokenUsage
}

// StreamChunk is one element of a text stream. Exactly one field is set:
// Delta for incremental text, Usage once at end of stream, Err on failure.
type StreamChunk struct {
	Delta string
	Usage *models.TokenUsage
	Err   error
}

// Gateway is the model gateway contract the pipeline stages depend on.
type Gateway interface {
	GenerateText(ctx context.Context, req TextRequest) (*TextResponse, error)
	GenerateObject(ctx context.Context, req ObjectRequest) (*ObjectResponse, error)
	StreamText(ctx context.Context, req TextRequest) (<-chan StreamChunk, error)
}

// Client implements Gateway over github.com/openai/openai-go.
type Client struct {
	client *openai.Client
}

// NewClient creates a gateway client. baseURL may be empty for the default
// OpenAI endpoint, or point at any compatible server.
func NewClient(apiKey, baseURL string) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("llm api key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := openai.NewClient(opts...)
	return &Client{client: &client}, nil
}

var _ Gateway = (*Client)(nil)

func chatMessages(system, prompt string) []openai.ChatCompletionMessageParamUnion {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if system != "" {
		msgs = append(msgs, openai.SystemMessage(system))
	}
	msgs = append(msgs, openai.UserMessage(prompt))
	return msgs
}

func usageFrom(u openai.CompletionUsage) models.TokenUsage {
	return models.TokenUsage{
		PromptTokens:     int(u.PromptTokens),
		CompletionTokens: int(u.CompletionTokens),
		TotalTokens:      int(u.TotalTokens),
	}
}

// GenerateText performs a blocking completion and returns the full text.
func (c *Client) GenerateText(ctx context.Context, req TextRequest) (*TextResponse, error) {
	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(req.Model),
		Messages: chatMessages(req.System, req.Prompt),
	})
	if err != nil {
		return nil, fmt.Errorf("generate text (%s): %w", req.Telemetry, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("generate text (%s): empty response", req.Telemetry)
	}
	return &TextResponse{
		Text:  resp.Choices[0].Message.Content,
		Usage: usageFrom(resp.Usage),
	}, nil
}

// GenerateObject performs a structured completion constrained by a JSON
// schema. The raw JSON body of the response is returned undecoded.
func (c *Client) GenerateObject(ctx context.Context, req ObjectRequest) (*ObjectResponse, error) {
	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(req.Model),
		Messages: chatMessages(req.System, req.Prompt),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
				JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   req.SchemaName,
					Schema: req.Schema,
					Strict: openai.Bool(true),
				},
			},
		},
	}
	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("generate object (%s): %w", req.Telemetry, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("generate object (%s): empty response", req.Telemetry)
	}
	content := resp.Choices[0].Message.Content
	if !json.Valid([]byte(content)) {
		return nil, fmt.Errorf("generate object (%s): response is not valid JSON", req.Telemetry)
	}
	return &ObjectResponse{
		Raw:   json.RawMessage(content),
		Usage: usageFrom(resp.Usage),
	}, nil
}

// StreamText starts a streaming completion and returns a channel of chunks.
// The channel closes after the final usage chunk (or an error chunk).
func (c *Client) StreamText(ctx context.Context, req TextRequest) (<-chan StreamChunk, error) {
	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(req.Model),
		Messages: chatMessages(req.System, req.Prompt),
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}

	stream := c.client.Chat.Completions.NewStreaming(ctx, params)

	ch := make(chan StreamChunk, 32)
	go func() {
		defer close(ch)
		defer stream.Close()

		var usage *models.TokenUsage
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
				select {
				case ch <- StreamChunk{Delta: chunk.Choices[0].Delta.Content}:
				case <-ctx.Done():
					return
				}
			}
			if chunk.Usage.TotalTokens > 0 {
				u := usageFrom(chunk.Usage)
				usage = &u
			}
		}
		if err := stream.Err(); err != nil {
			select {
			case ch <- StreamChunk{Err: fmt.Errorf("stream text (%s): %w", req.Telemetry, err)}:
			case <-ctx.Done():
			}
			return
		}
		if usage != nil {
			select {
			case ch <- StreamChunk{Usage: usage}:
			case <-ctx.Done():
			}
		}
	}()

	return ch, nil
}
