package agent

import (
	"context"
	"strings"

	"github.com/lodestar-research/lodestar/pkg/agent/prompt"
	"github.com/lodestar-research/lodestar/pkg/llm"
	"github.com/lodestar-research/lodestar/pkg/models"
	"github.com/lodestar-research/lodestar/pkg/stream"
)

// answerSink couples the wire writer with the part list persisted on the
// assistant message. Parts written through it are both streamed and kept.
type answerSink struct {
	w     stream.Writer
	parts []models.Part
}

func newAnswerSink(w stream.Writer) *answerSink {
	return &answerSink{w: w}
}

// part streams a control part and records it for persistence.
func (s *answerSink) part(p models.Part) error {
	s.parts = append(s.parts, p)
	return s.w.WritePart(p)
}

// transient streams a control part without recording it.
func (s *answerSink) transient(p models.Part) error {
	return s.w.WritePart(p)
}

func (s *answerSink) delta(d string) error {
	return s.w.WriteDelta(d)
}

// streamAnswer streams the final markdown answer and returns the full text.
// isFinal marks a budget-exhausted run; the prompt then requires the answer
// to acknowledge evidence gaps.
func (ctl *Controller) streamAnswer(ctx context.Context, sc *SystemContext, sink *answerSink, isFinal bool) (string, error) {
	return ctl.streamToSink(ctx, sc, sink, llm.TextRequest{
		Model:     ctl.cfg.AnswererModel,
		System:    prompt.AnswerSystem(),
		Prompt:    prompt.Answer(ctl.promptInputs(sc), isFinal),
		Telemetry: "answerer",
	})
}

// streamToSink drives one streaming completion through the markdown joiner
// and the word smoother into the sink. The full concatenated text is
// returned even on mid-stream errors so partial output can be persisted.
func (ctl *Controller) streamToSink(ctx context.Context, sc *SystemContext, sink *answerSink, req llm.TextRequest) (string, error) {
	ch, err := ctl.llm.StreamText(ctx, req)
	if err != nil {
		return "", err
	}

	joiner := stream.NewMarkdownJoiner()
	smoother := stream.NewSmoother(ctl.cfg.SmootherDelay, sink.delta)

	var full strings.Builder
	for chunk := range ch {
		switch {
		case chunk.Err != nil:
			return full.String(), chunk.Err
		case chunk.Usage != nil:
			sc.ReportUsage(req.Telemetry, *chunk.Usage)
		case chunk.Delta != "":
			full.WriteString(chunk.Delta)
			if safe := joiner.Feed(chunk.Delta); safe != "" {
				if err := smoother.Feed(ctx, safe); err != nil {
					return full.String(), err
				}
			}
		}
	}

	if tail := joiner.Flush(); tail != "" {
		if err := smoother.Feed(ctx, tail); err != nil {
			return full.String(), err
		}
	}
	if err := smoother.Flush(ctx); err != nil {
		return full.String(), err
	}
	return full.String(), nil
}
