package stream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lodestar-research/lodestar/pkg/models"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var events []map[string]any
	scanner := bufio.NewScanner(buf)
	for scanner.Scan() {
		var obj map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &obj))
		events = append(events, obj)
	}
	require.NoError(t, scanner.Err())
	return events
}

func TestNDJSONWriterEventOrderAndShape(t *testing.T) {
	var buf bytes.Buffer
	w := NewNDJSONWriter(&buf, nil)

	require.NoError(t, w.WritePart(models.NewChatCreatedPart{ChatID: "chat-1"}))
	require.NoError(t, w.WriteDelta("hello "))
	require.NoError(t, w.WriteDelta("world"))
	require.NoError(t, w.WritePart(models.UsagePart{TotalTokens: 42}))
	require.NoError(t, w.Finish())

	events := decodeLines(t, &buf)
	require.Len(t, events, 5)

	assert.Equal(t, models.PartTypeNewChatCreated, events[0]["type"])
	assert.Equal(t, "chat-1", events[0]["chatId"])
	assert.NotEmpty(t, events[0]["id"])

	assert.Equal(t, EventTypeTextDelta, events[1]["type"])
	assert.Equal(t, "hello ", events[1]["delta"])
	assert.Equal(t, "world", events[2]["delta"])

	assert.Equal(t, models.PartTypeUsage, events[3]["type"])
	assert.Equal(t, float64(42), events[3]["totalTokens"])

	assert.Equal(t, EventTypeFinish, events[4]["type"])
}

func TestNDJSONWriterUsageEventIDIsStable(t *testing.T) {
	var buf bytes.Buffer
	w := NewNDJSONWriter(&buf, nil)

	require.NoError(t, w.WritePart(models.UsagePart{TotalTokens: 10}))
	require.NoError(t, w.WritePart(models.UsagePart{TotalTokens: 20}))

	events := decodeLines(t, &buf)
	require.Len(t, events, 2)
	assert.Equal(t, "usage", events[0]["id"])
	assert.Equal(t, "usage", events[1]["id"])
}

func TestNDJSONWriterDistinctIDsForOtherParts(t *testing.T) {
	var buf bytes.Buffer
	w := NewNDJSONWriter(&buf, nil)

	require.NoError(t, w.WritePart(models.SourcesPart{}))
	require.NoError(t, w.WritePart(models.SourcesPart{}))

	events := decodeLines(t, &buf)
	require.Len(t, events, 2)
	assert.NotEqual(t, events[0]["id"], events[1]["id"])
}

func TestNDJSONWriterFinishIsIdempotentAndTerminal(t *testing.T) {
	var buf bytes.Buffer
	w := NewNDJSONWriter(&buf, nil)

	require.NoError(t, w.Finish())
	require.NoError(t, w.Finish())

	events := decodeLines(t, &buf)
	require.Len(t, events, 1)

	assert.Error(t, w.WriteDelta("late"))
	assert.Error(t, w.WritePart(models.UsagePart{}))
}
