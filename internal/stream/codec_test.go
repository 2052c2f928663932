package stream

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datastory/pkg"
)

func TestWriterFramesEvents(t *testing.T) {
	var buf bytes.Buffer
	writer := NewWriter(&buf)

	err := writer.WriteEvent(pkg.StreamEvent{
		Sequence: 0,
		Kind:     pkg.EventPhaseStarted,
		Data:     map[string]any{"phase": "research-profile"},
	})
	require.NoError(t, err)

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "data: {"))
	assert.True(t, strings.HasSuffix(out, "\n\n"))
	assert.Contains(t, out, `"kind":"phase-started"`)
	assert.Equal(t, 1, strings.Count(out, "\n\n"), "one blank-line trailer per record")
}

func TestWriterDoneRecord(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewWriter(&buf).WriteDone())
	assert.Equal(t, "event: done\ndata: {}\n\n", buf.String())
}

func TestRoundTrip(t *testing.T) {
	events := []pkg.StreamEvent{
		{Sequence: 0, Kind: pkg.EventPhaseStarted, Data: map[string]any{"phase": "analyze"}},
		{Sequence: 1, Kind: pkg.EventPhaseCompleted, Data: map[string]any{"phase": "analyze", "status": "ok"}},
		{Sequence: 2, Kind: pkg.EventFinalResult},
	}

	var buf bytes.Buffer
	writer := NewWriter(&buf)
	for _, event := range events {
		require.NoError(t, writer.WriteEvent(event))
	}
	require.NoError(t, writer.WriteDone())

	parser := NewParser()
	decoded, err := parser.Feed(buf.Bytes())
	require.NoError(t, err)
	require.Len(t, decoded, 3)
	assert.True(t, parser.Done())

	for i, event := range decoded {
		assert.Equal(t, i, event.Sequence)
		assert.Equal(t, events[i].Kind, event.Kind)
	}
	assert.Equal(t, "analyze", decoded[0].Data["phase"])
}

// Transport chunking must not matter: records split across chunks or packed
// into one chunk decode identically.
func TestParserReassemblesSplitChunks(t *testing.T) {
	var buf bytes.Buffer
	writer := NewWriter(&buf)
	require.NoError(t, writer.WriteEvent(pkg.StreamEvent{Sequence: 0, Kind: pkg.EventPhaseStarted}))
	require.NoError(t, writer.WriteEvent(pkg.StreamEvent{Sequence: 1, Kind: pkg.EventFinalResult}))
	require.NoError(t, writer.WriteDone())
	wire := buf.Bytes()

	for _, chunkSize := range []int{1, 3, 7, len(wire)} {
		parser := NewParser()
		var decoded []pkg.StreamEvent
		for start := 0; start < len(wire); start += chunkSize {
			end := start + chunkSize
			if end > len(wire) {
				end = len(wire)
			}
			events, err := parser.Feed(wire[start:end])
			require.NoError(t, err)
			decoded = append(decoded, events...)
		}
		require.Len(t, decoded, 2, "chunk size %d", chunkSize)
		assert.Equal(t, 0, decoded[0].Sequence)
		assert.Equal(t, 1, decoded[1].Sequence)
		assert.True(t, parser.Done(), "chunk size %d", chunkSize)
	}
}

func TestParserIncompleteRecordBuffered(t *testing.T) {
	parser := NewParser()

	events, err := parser.Feed([]byte(`data: {"sequence":0,"kind":"phase-started"}`))
	require.NoError(t, err)
	assert.Empty(t, events, "no trailer yet, nothing to emit")

	events, err = parser.Feed([]byte("\n\n"))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, pkg.EventPhaseStarted, events[0].Kind)
}

func TestParserRejectsGarbageRecord(t *testing.T) {
	parser := NewParser()
	_, err := parser.Feed([]byte("data: not json\n\n"))
	assert.Error(t, err)

	parser = NewParser()
	_, err = parser.Feed([]byte("noise without marker\n\n"))
	assert.Error(t, err)
}
