package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/lodestar-research/lodestar/pkg/agent/prompt"
	"github.com/lodestar-research/lodestar/pkg/llm"
)

// GenerateTitle produces a short chat title from the opening user text.
// Runs outside the research loop, typically concurrent with it.
func (ctl *Controller) GenerateTitle(ctx context.Context, userText string) (string, error) {
	resp, err := ctl.llm.GenerateText(ctx, llm.TextRequest{
		Model:     ctl.cfg.UtilityModel,
		Prompt:    prompt.Title(userText),
		Telemetry: "title_generator",
	})
	if err != nil {
		return "", fmt.Errorf("generate title: %w", err)
	}
	title := strings.TrimSpace(resp.Text)
	title = strings.Trim(title, "\"")
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = strings.TrimSpace(title[:i])
	}
	if title == "" {
		return "", fmt.Errorf("generate title: empty result")
	}
	return title, nil
}
