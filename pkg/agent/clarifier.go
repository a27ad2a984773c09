package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lodestar-research/lodestar/pkg/agent/prompt"
	"github.com/lodestar-research/lodestar/pkg/llm"
)

type clarifierVerdict struct {
	NeedsClarification bool   `json:"needs_clarification"`
	Reason             string `json:"reason"`
}

// checkClarification decides whether research can start from the latest
// message. Failures fail open: when the check cannot run, research proceeds.
func (ctl *Controller) checkClarification(ctx context.Context, sc *SystemContext) (needed bool, reason string) {
	resp, err := ctl.llm.GenerateObject(ctx, llm.ObjectRequest{
		Model:      ctl.cfg.UtilityModel,
		Prompt:     prompt.Clarifier(ctl.promptInputs(sc)),
		SchemaName: "clarification_verdict",
		Schema:     prompt.ClarifierSchema(),
		Telemetry:  "clarifier",
	})
	if err != nil {
		ctl.logger.Warn("Clarification check failed, proceeding", "error", err)
		return false, ""
	}
	sc.ReportUsage("clarifier", resp.Usage)

	var verdict clarifierVerdict
	if err := json.Unmarshal(resp.Raw, &verdict); err != nil {
		ctl.logger.Warn("Clarification verdict undecodable, proceeding", "error", err)
		return false, ""
	}
	if !verdict.NeedsClarification {
		return false, ""
	}
	return true, verdict.Reason
}

// streamClarification writes the clarifying question to the stream.
func (ctl *Controller) streamClarification(ctx context.Context, sc *SystemContext, sink *answerSink, reason string) (string, error) {
	text, err := ctl.streamToSink(ctx, sc, sink, llm.TextRequest{
		Model:     ctl.cfg.UtilityModel,
		Prompt:    prompt.ClarificationQuestion(reason, sc.ConversationHistory()),
		Telemetry: "clarification",
	})
	if err != nil {
		return "", fmt.Errorf("stream clarification: %w", err)
	}
	return text, nil
}
