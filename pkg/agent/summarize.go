package agent

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/lodestar-research/lodestar/pkg/agent/prompt"
	"github.com/lodestar-research/lodestar/pkg/cache"
	"github.com/lodestar-research/lodestar/pkg/llm"
	"github.com/lodestar-research/lodestar/pkg/models"
)

// searchAndSummarize runs one query end to end: search, announce the
// selected sources, fetch the pages in parallel, and summarize each fetched
// page against the query. The returned entry is already recorded in the
// context. Every failure degrades: a dead search API yields an empty entry,
// a dead page falls back to its snippet.
func (ctl *Controller) searchAndSummarize(ctx context.Context, sc *SystemContext, sink *answerSink, query string) models.SearchEntry {
	entry := models.SearchEntry{Query: query, Results: []models.SearchResult{}}

	results, err := ctl.search.Search(ctx, query, ctl.cfg.SearchResultsCount)
	if err != nil {
		ctl.logger.Error("Search failed", "query", query, "error", err)
		ctl.emitSources(sink, []models.SearchSource{})
		sc.ReportSearch(entry)
		return entry
	}
	if len(results) == 0 {
		ctl.logger.Info("Search returned no results", "query", query)
		ctl.emitSources(sink, []models.SearchSource{})
		sc.ReportSearch(entry)
		return entry
	}

	if len(results) > ctl.cfg.MaxPagesToScrape {
		results = results[:ctl.cfg.MaxPagesToScrape]
	}

	sources := make([]models.SearchSource, len(results))
	urls := make([]string, len(results))
	for i, r := range results {
		sources[i] = models.SearchSource{
			Title:   r.Title,
			URL:     r.URL,
			Snippet: r.Snippet,
			Favicon: faviconURL(r.URL),
		}
		urls[i] = r.URL
	}
	ctl.emitSources(sink, sources)

	pages := ctl.fetcher.FetchAll(ctx, urls)

	type summarized struct {
		summary string
		usage   *models.TokenUsage
	}
	out := make([]summarized, len(results))
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			r := results[idx]
			if pages[idx].Err != nil {
				ctl.logger.Warn("Page fetch failed", "url", r.URL, "error", pages[idx].Err)
				out[idx].summary = snippetFallback(r.Snippet)
				return
			}
			summary, usage, err := ctl.summarizeURL(ctx, sc, query, r, pages[idx].Content)
			if err != nil {
				ctl.logger.Warn("Summarization failed", "url", r.URL, "error", err)
				out[idx].summary = snippetFallback(r.Snippet)
				return
			}
			out[idx].summary = summary
			out[idx].usage = usage
		}(i)
	}
	wg.Wait()

	for i, r := range results {
		r.Summary = out[i].summary
		entry.Results = append(entry.Results, r)
		if out[i].usage != nil {
			sc.ReportUsage("summarizer", *out[i].usage)
		}
	}
	sc.ReportSearch(entry)
	return entry
}

// summarizeURL produces the per-page summary, memoized on (url, query).
// A cache hit returns no usage.
func (ctl *Controller) summarizeURL(ctx context.Context, sc *SystemContext, query string, r models.SearchResult, content string) (string, *models.TokenUsage, error) {
	conversation := sc.ConversationHistory()

	var usage *models.TokenUsage
	args := map[string]string{"url": r.URL, "query": query}
	summary, err := cache.GetOrCompute(ctx, ctl.cache, "summarize_url", args, func(ctx context.Context) (string, error) {
		resp, err := ctl.llm.GenerateText(ctx, llm.TextRequest{
			Model:     ctl.cfg.SummarizerModel,
			Prompt:    prompt.Summarizer(conversation, query, r.Title, r.URL, r.Date, content),
			Telemetry: "summarizer",
		})
		if err != nil {
			return "", err
		}
		usage = &resp.Usage
		return resp.Text, nil
	})
	if err != nil {
		return "", nil, err
	}
	return summary, usage, nil
}

// emitSources announces the selected sources for one step. An empty list
// still goes out so clients see the step produced nothing.
func (ctl *Controller) emitSources(sink *answerSink, sources []models.SearchSource) {
	if err := sink.part(models.SourcesPart{Sources: sources}); err != nil {
		ctl.logger.Warn("Failed to emit sources event", "error", err)
	}
}

func snippetFallback(snippet string) string {
	if snippet == "" {
		return "Unable to generate summary."
	}
	return fmt.Sprintf("Unable to generate summary. Based on snippet: %s", snippet)
}

// faviconURL builds the favicon service URL for a page's host.
func faviconURL(pageURL string) string {
	parsed, err := url.Parse(pageURL)
	if err != nil || parsed.Host == "" {
		return ""
	}
	return "https://www.google.com/s2/favicons?sz=64&domain=" + parsed.Host
}
