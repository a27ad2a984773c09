package agent

import (
	"log/slog"
	"time"

	"github.com/lodestar-research/lodestar/pkg/agent/prompt"
	"github.com/lodestar-research/lodestar/pkg/cache"
	"github.com/lodestar-research/lodestar/pkg/fetch"
	"github.com/lodestar-research/lodestar/pkg/llm"
	"github.com/lodestar-research/lodestar/pkg/search"
)

// Config carries the tunables of one research run.
type Config struct {
	// Model names per logical role. UtilityModel serves the small calls
	// (guardrail, clarifier, rewriter, titles).
	PlannerModel    string
	SummarizerModel string
	AnswererModel   string
	UtilityModel    string

	// MaxSteps bounds the plan/search loop.
	MaxSteps int
	// SearchResultsCount is the number of organic results requested per query.
	SearchResultsCount int
	// MaxPagesToScrape caps how many result URLs are fetched and summarized.
	MaxPagesToScrape int
	// SmootherDelay paces word-level output deltas. Zero disables pacing.
	SmootherDelay time.Duration
}

// Controller wires the pipeline stages to their backing services. One
// Controller serves all requests; per-request state lives in SystemContext.
type Controller struct {
	llm     llm.Gateway
	search  search.Provider
	fetcher fetch.Fetcher
	cache   *cache.ResultCache
	cfg     Config
	logger  *slog.Logger

	now func() time.Time
}

// NewController creates the research controller.
func NewController(gw llm.Gateway, sp search.Provider, f fetch.Fetcher, rc *cache.ResultCache, cfg Config, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		llm:     gw,
		search:  sp,
		fetcher: f,
		cache:   rc,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// promptInputs snapshots the context for the prompt builders.
func (ctl *Controller) promptInputs(sc *SystemContext) prompt.Inputs {
	return prompt.Inputs{
		Date:            ctl.now(),
		LocationContext: sc.UserLocationContext(),
		SearchHistory:   sc.SearchHistoryText(),
		LastFeedback:    sc.LastFeedback(),
		Conversation:    sc.ConversationHistory(),
		InitialQuestion: sc.InitialQuestion(),
		LatestMessage:   sc.LatestUserMessage(),
	}
}
