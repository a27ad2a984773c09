package agent

import (
	"context"
	"strings"

	"github.com/lodestar-research/lodestar/pkg/agent/prompt"
	"github.com/lodestar-research/lodestar/pkg/llm"
)

// rewriteQuery optimizes the planner's proposed query against the search
// history and feedback. Without feedback there is nothing to rewrite
// against, so the LLM call is skipped and the proposal passes through
// unchanged. Rewrite failures also pass the proposal through.
func (ctl *Controller) rewriteQuery(ctx context.Context, sc *SystemContext, proposed string) string {
	if sc.LastFeedback() == "" {
		return proposed
	}

	resp, err := ctl.llm.GenerateText(ctx, llm.TextRequest{
		Model:     ctl.cfg.UtilityModel,
		Prompt:    prompt.Rewriter(ctl.promptInputs(sc), proposed),
		Telemetry: "query_rewriter",
	})
	if err != nil {
		ctl.logger.Warn("Query rewrite failed, using planner query", "error", err)
		return proposed
	}
	sc.ReportUsage("query_rewriter", resp.Usage)

	rewritten := strings.TrimSpace(resp.Text)
	rewritten = strings.Trim(rewritten, "\"")
	if rewritten == "" {
		return proposed
	}
	// A multi-line reply means the model ignored the format; keep the first line.
	if i := strings.IndexByte(rewritten, '\n'); i >= 0 {
		rewritten = strings.TrimSpace(rewritten[:i])
	}
	return rewritten
}
