package agent

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/lodestar-research/lodestar/pkg/models"
	"github.com/lodestar-research/lodestar/pkg/stream"
)

// Run executes one research request end to end, streaming events to w, and
// returns the assistant message to persist. The caller owns the finish
// event; Run never writes it.
//
// The returned message is non-nil whenever any output was produced, even
// when err is set — partial answers are persisted.
func (ctl *Controller) Run(ctx context.Context, sc *SystemContext, w stream.Writer) (*models.Message, error) {
	sink := newAnswerSink(w)

	msg := func(text string) *models.Message {
		parts := sink.parts
		if text != "" {
			parts = append(parts, models.TextPart{Text: text})
		}
		parts = append(parts, models.UsagePart{TotalTokens: sc.TotalTokens()})
		return &models.Message{
			ID:    uuid.New().String(),
			Role:  models.RoleAssistant,
			Parts: parts,
		}
	}

	if allowed, reason := ctl.checkGuardrail(ctx, sc); !allowed {
		ctl.logger.Info("Request refused by guardrail", "reason", reason)
		text, err := ctl.streamRefusal(ctx, sc, sink, reason)
		if err != nil {
			return msg(text), err
		}
		return ctl.finish(sc, sink, msg, text)
	}

	if needed, reason := ctl.checkClarification(ctx, sc); needed {
		ctl.logger.Info("Clarification required", "reason", reason)
		if err := sink.part(models.ClarificationPart{Reason: reason}); err != nil {
			ctl.logger.Warn("Failed to emit clarification event", "error", err)
		}
		text, err := ctl.streamClarification(ctx, sc, sink, reason)
		if err != nil {
			return msg(text), err
		}
		return ctl.finish(sc, sink, msg, text)
	}

	isFinal := true
	for !sc.ShouldStop() {
		action, err := ctl.plan(ctx, sc)
		if err != nil {
			// A broken planner ends the search phase, not the request.
			ctl.logger.Error("Planning failed, answering with gathered evidence", "step", sc.CurrentStep(), "error", err)
			ctl.emitUsage(sc, sink)
			break
		}

		// The step's action goes out before any usage update for the step.
		if err := sink.part(models.NewActionPart{
			Action:   *action,
			Step:     sc.CurrentStep() + 1,
			MaxSteps: sc.MaxSteps(),
		}); err != nil {
			ctl.logger.Warn("Failed to emit action event", "error", err)
		}
		ctl.emitUsage(sc, sink)

		if action.Type == models.ActionAnswer {
			isFinal = false
			break
		}

		sc.SetLastFeedback(action.Feedback)
		query := ctl.rewriteQuery(ctx, sc, action.Query)
		ctl.logger.Info("Executing search step",
			"step", sc.CurrentStep()+1,
			"max_steps", sc.MaxSteps(),
			"query", query)

		entry := ctl.searchAndSummarize(ctx, sc, sink, query)
		ctl.logger.Info("Search step complete", "query", query, "results", len(entry.Results))

		sc.IncrementStep()
		ctl.emitUsage(sc, sink)
	}

	text, err := ctl.streamAnswer(ctx, sc, sink, isFinal)
	if err != nil {
		return msg(text), fmt.Errorf("answer stream: %w", err)
	}
	return ctl.finish(sc, sink, msg, text)
}

// finish emits the persisted usage part and assembles the final message.
func (ctl *Controller) finish(sc *SystemContext, sink *answerSink, msg func(string) *models.Message, text string) (*models.Message, error) {
	m := msg(text)
	if err := sink.transient(models.UsagePart{TotalTokens: sc.TotalTokens()}); err != nil {
		ctl.logger.Warn("Failed to emit usage event", "error", err)
	}
	return m, nil
}

// emitUsage streams the running token total. The wire event id is stable,
// so clients replace rather than accumulate.
func (ctl *Controller) emitUsage(sc *SystemContext, sink *answerSink) {
	if err := sink.transient(models.UsagePart{TotalTokens: sc.TotalTokens()}); err != nil {
		ctl.logger.Warn("Failed to emit usage event", "error", err)
	}
}
