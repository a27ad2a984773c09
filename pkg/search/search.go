// Package search issues keyword queries against a Serper-compatible search
// API and returns ranked organic results.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lodestar-research/lodestar/pkg/models"
)

const defaultEndpoint = "https://google.serper.dev/search"

// Provider is the search contract the pipeline depends on.
type Provider interface {
	Search(ctx context.Context, query string, num int) ([]models.SearchResult, error)
}

// Client calls a Serper-compatible JSON API.
type Client struct {
	apiKey     string
	endpoint   string
	httpClient *http.Client
}

// NewClient creates a search client. endpoint may be empty for the default.
func NewClient(apiKey, endpoint string) *Client {
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	return &Client{
		apiKey:     apiKey,
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

var _ Provider = (*Client)(nil)

type searchRequest struct {
	Q   string `json:"q"`
	Num int    `json:"num"`
}

// searchResponse mirrors the provider wire format. Only organic is used;
// the knowledge-graph and related-search blocks pass through unused.
type searchResponse struct {
	Organic []struct {
		Title   string `json:"title"`
		Link    string `json:"link"`
		Snippet string `json:"snippet"`
		Date    string `json:"date,omitempty"`
	} `json:"organic"`
}

// Search runs one keyword query. A query with no hits returns an empty
// slice and no error.
func (c *Client) Search(ctx context.Context, query string, num int) ([]models.SearchResult, error) {
	body, err := json.Marshal(searchRequest{Q: query, Num: num})
	if err != nil {
		return nil, fmt.Errorf("encode search request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-KEY", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("search API %d: %s", resp.StatusCode, string(snippet))
	}

	var data searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	results := make([]models.SearchResult, 0, len(data.Organic))
	for _, r := range data.Organic {
		results = append(results, models.SearchResult{
			Title:   r.Title,
			URL:     r.Link,
			Snippet: r.Snippet,
			Date:    r.Date,
		})
	}
	return results, nil
}
