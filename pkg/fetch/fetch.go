// Package fetch retrieves web pages and normalizes them to markdown-like
// text. Fetches fan out in parallel with a per-host concurrency cap, honor
// robots.txt disallow rules, and degrade per URL — one bad page never fails
// the batch.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	readability "github.com/go-shiori/go-readability"

	"golang.org/x/sync/semaphore"
)

const (
	defaultUserAgent   = "Mozilla/5.0 (compatible; LodestarBot/1.0)"
	maxBodyBytes       = 1 << 20 // 1MB per page
	maxContentRunes    = 16000
	perHostConcurrency = 2
)

// Result is the outcome of fetching one URL. Exactly one of Content / Err
// is meaningful.
type Result struct {
	URL     string
	Content string
	Err     error
}

// Fetcher is the page retrieval contract the pipeline depends on.
type Fetcher interface {
	FetchAll(ctx context.Context, urls []string) []Result
}

// Client implements Fetcher over net/http with readability extraction.
type Client struct {
	httpClient *http.Client
	userAgent  string
	perURL     time.Duration

	mu     sync.Mutex
	hosts  map[string]*semaphore.Weighted
	robots map[string][]string // host → disallowed path prefixes
}

// NewClient creates a fetcher with the given per-URL timeout.
func NewClient(perURLTimeout time.Duration) *Client {
	if perURLTimeout <= 0 {
		perURLTimeout = 15 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: perURLTimeout},
		userAgent:  defaultUserAgent,
		perURL:     perURLTimeout,
		hosts:      make(map[string]*semaphore.Weighted),
		robots:     make(map[string][]string),
	}
}

var _ Fetcher = (*Client)(nil)

// FetchAll retrieves all URLs in parallel. The returned slice is positionally
// aligned with the input; failed URLs carry their error in Result.Err.
func (c *Client) FetchAll(ctx context.Context, urls []string) []Result {
	out := make([]Result, len(urls))
	var wg sync.WaitGroup

	for i, u := range urls {
		out[i] = Result{URL: u}
		wg.Add(1)
		go func(idx int, raw string) {
			defer wg.Done()
			content, err := c.fetchOne(ctx, raw)
			if err != nil {
				out[idx].Err = err
				return
			}
			out[idx].Content = content
		}(i, u)
	}
	wg.Wait()

	return out
}

func (c *Client) fetchOne(ctx context.Context, rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return "", fmt.Errorf("invalid URL %q", rawURL)
	}

	sem := c.hostSemaphore(parsed.Host)
	if err := sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer sem.Release(1)

	if !c.robotsAllowed(ctx, parsed) {
		return "", fmt.Errorf("disallowed by robots.txt: %s", rawURL)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, c.perURL)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("HTTP %d from %s", resp.StatusCode, rawURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", rawURL, err)
	}

	return normalize(string(body), parsed), nil
}

// normalize extracts the readable article and renders it as markdown.
// Extraction failures fall back to converting the whole page; conversion
// failures fall back to the readability plain text.
func normalize(html string, pageURL *url.URL) string {
	article, readErr := readability.FromReader(strings.NewReader(html), pageURL)

	source := html
	if readErr == nil && article.Content != "" {
		source = article.Content
	}

	markdown, err := htmltomarkdown.ConvertString(source)
	if err != nil || strings.TrimSpace(markdown) == "" {
		if readErr == nil && article.TextContent != "" {
			markdown = article.TextContent
		} else {
			markdown = html
		}
	}

	markdown = strings.TrimSpace(markdown)
	if runes := []rune(markdown); len(runes) > maxContentRunes {
		markdown = string(runes[:maxContentRunes]) + "\n... (truncated)"
	}
	return markdown
}

func (c *Client) hostSemaphore(host string) *semaphore.Weighted {
	c.mu.Lock()
	defer c.mu.Unlock()
	sem, ok := c.hosts[host]
	if !ok {
		sem = semaphore.NewWeighted(perHostConcurrency)
		c.hosts[host] = sem
	}
	return sem
}

// robotsAllowed checks the host's robots.txt disallow rules for the
// wildcard agent. Rules are fetched once per host and cached for the client
// lifetime; an unreachable robots.txt allows everything (fail-open).
func (c *Client) robotsAllowed(ctx context.Context, pageURL *url.URL) bool {
	rules := c.robotsRules(ctx, pageURL)
	path := pageURL.Path
	if path == "" {
		path = "/"
	}
	for _, prefix := range rules {
		if prefix != "" && strings.HasPrefix(path, prefix) {
			return false
		}
	}
	return true
}

func (c *Client) robotsRules(ctx context.Context, pageURL *url.URL) []string {
	c.mu.Lock()
	if rules, ok := c.robots[pageURL.Host]; ok {
		c.mu.Unlock()
		return rules
	}
	c.mu.Unlock()

	rules := fetchRobots(ctx, c.httpClient, c.userAgent, pageURL)

	c.mu.Lock()
	c.robots[pageURL.Host] = rules
	c.mu.Unlock()
	return rules
}

func fetchRobots(ctx context.Context, client *http.Client, userAgent string, pageURL *url.URL) []string {
	robotsURL := pageURL.Scheme + "://" + pageURL.Host + "/robots.txt"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil
	}
	return parseRobots(string(body))
}

// parseRobots extracts Disallow prefixes from the "User-agent: *" groups.
func parseRobots(content string) []string {
	var rules []string
	applies := false
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		lower := strings.ToLower(line)
		switch {
		case strings.HasPrefix(lower, "user-agent:"):
			agent := strings.TrimSpace(line[len("user-agent:"):])
			applies = agent == "*"
		case applies && strings.HasPrefix(lower, "disallow:"):
			prefix := strings.TrimSpace(line[len("disallow:"):])
			if prefix != "" {
				rules = append(rules, prefix)
			}
		}
	}
	return rules
}
