package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lodestar-research/lodestar/pkg/agent/prompt"
	"github.com/lodestar-research/lodestar/pkg/llm"
)

type guardrailVerdict struct {
	Classification string `json:"classification"`
	Reason         string `json:"reason"`
}

// checkGuardrail classifies the latest user message. allowed is true unless
// the model explicitly refuses; an unreachable or malformed guardrail fails
// open so a flaky auxiliary model never blocks legitimate research.
func (ctl *Controller) checkGuardrail(ctx context.Context, sc *SystemContext) (allowed bool, reason string) {
	resp, err := ctl.llm.GenerateObject(ctx, llm.ObjectRequest{
		Model:      ctl.cfg.UtilityModel,
		Prompt:     prompt.Guardrail(sc.LatestUserMessage()),
		SchemaName: "guardrail_verdict",
		Schema:     prompt.GuardrailSchema(),
		Telemetry:  "guardrail",
	})
	if err != nil {
		ctl.logger.Warn("Guardrail check failed, allowing request", "error", err)
		return true, ""
	}
	sc.ReportUsage("guardrail", resp.Usage)

	var verdict guardrailVerdict
	if err := json.Unmarshal(resp.Raw, &verdict); err != nil {
		ctl.logger.Warn("Guardrail verdict undecodable, allowing request", "error", err)
		return true, ""
	}
	if verdict.Classification == "refuse" {
		return false, verdict.Reason
	}
	return true, ""
}

// streamRefusal writes a short refusal answer to the stream.
func (ctl *Controller) streamRefusal(ctx context.Context, sc *SystemContext, sink *answerSink, reason string) (string, error) {
	text, err := ctl.streamToSink(ctx, sc, sink, llm.TextRequest{
		Model:     ctl.cfg.UtilityModel,
		Prompt:    prompt.Refusal(reason),
		Telemetry: "refusal",
	})
	if err != nil {
		return "", fmt.Errorf("stream refusal: %w", err)
	}
	return text, nil
}
