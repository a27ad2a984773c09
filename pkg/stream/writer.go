// Package stream serializes typed events to the client while the agent
// loop runs. The writer is single-producer: the loop owns it and calls it
// sequentially, so emission order is delivery order.
package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/lodestar-research/lodestar/pkg/models"
)

// Wire event types that are not message parts.
const (
	EventTypeTextDelta = "text-delta"
	EventTypeFinish    = "finish"
)

// usageEventID is the stable id carried by every data-usage event so
// clients can dedupe running totals.
const usageEventID = "usage"

// Writer is the event sink the agent loop emits to.
type Writer interface {
	// WritePart emits one typed control part.
	WritePart(part models.Part) error
	// WriteDelta emits one increment of the final answer text.
	WriteDelta(delta string) error
	// Finish emits the end marker. Idempotent.
	Finish() error
}

// NDJSONWriter streams events as newline-delimited JSON over a chunked
// HTTP response, flushing after every event.
type NDJSONWriter struct {
	w        io.Writer
	flusher  http.Flusher
	mu       sync.Mutex
	finished bool
}

// NewNDJSONWriter wraps a response writer. flusher may be nil (tests).
func NewNDJSONWriter(w io.Writer, flusher http.Flusher) *NDJSONWriter {
	return &NDJSONWriter{w: w, flusher: flusher}
}

var _ Writer = (*NDJSONWriter)(nil)

// envelope is the wire form of one event: the part's own tagged JSON plus
// an event id.
func (nw *NDJSONWriter) writeEvent(obj map[string]any) error {
	nw.mu.Lock()
	defer nw.mu.Unlock()
	if nw.finished {
		return fmt.Errorf("stream already finished")
	}
	line, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if _, err := nw.w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	if nw.flusher != nil {
		nw.flusher.Flush()
	}
	return nil
}

func (nw *NDJSONWriter) WritePart(part models.Part) error {
	raw, err := json.Marshal(part)
	if err != nil {
		return fmt.Errorf("encode part: %w", err)
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return fmt.Errorf("decode part: %w", err)
	}
	obj["id"] = eventID(part)
	return nw.writeEvent(obj)
}

func (nw *NDJSONWriter) WriteDelta(delta string) error {
	return nw.writeEvent(map[string]any{
		"type":  EventTypeTextDelta,
		"delta": delta,
	})
}

func (nw *NDJSONWriter) Finish() error {
	nw.mu.Lock()
	if nw.finished {
		nw.mu.Unlock()
		return nil
	}
	nw.mu.Unlock()

	err := nw.writeEvent(map[string]any{"type": EventTypeFinish})

	nw.mu.Lock()
	nw.finished = true
	nw.mu.Unlock()
	return err
}

// eventID returns the stable usage id for usage parts and a fresh id for
// everything else.
func eventID(part models.Part) string {
	if part.PartType() == models.PartTypeUsage {
		return usageEventID
	}
	return uuid.New().String()
}
