package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lodestar-research/lodestar/pkg/agent/prompt"
	"github.com/lodestar-research/lodestar/pkg/llm"
	"github.com/lodestar-research/lodestar/pkg/models"
)

// plan asks the planner model for the next action. The decoded action is
// validated before it is returned; an invalid decision is an error the loop
// handles by cutting over to the final answer.
func (ctl *Controller) plan(ctx context.Context, sc *SystemContext) (*models.Action, error) {
	resp, err := ctl.llm.GenerateObject(ctx, llm.ObjectRequest{
		Model:      ctl.cfg.PlannerModel,
		System:     prompt.PlannerSystem(),
		Prompt:     prompt.Planner(ctl.promptInputs(sc)),
		SchemaName: "next_action",
		Schema:     prompt.PlannerSchema(),
		Telemetry:  "planner",
	})
	if err != nil {
		return nil, err
	}
	sc.ReportUsage("planner", resp.Usage)

	var action models.Action
	if err := json.Unmarshal(resp.Raw, &action); err != nil {
		return nil, fmt.Errorf("decode planner action: %w", err)
	}
	if err := action.Validate(); err != nil {
		return nil, fmt.Errorf("invalid planner action: %w", err)
	}
	return &action, nil
}
