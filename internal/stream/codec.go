// Package stream implements the wire framing for workflow event streams:
// each record is a "data: " marker followed by one JSON object on a single
// line, terminated by a blank line. The stream ends with an "event: done"
// record after the final-result event.
package stream

import (
	"bytes"
	"fmt"
	"io"
	"net/http"

	"github.com/bytedance/sonic"

	"datastory/pkg"
)

const (
	dataMarker    = "data: "
	doneRecord    = "event: done\ndata: {}\n\n"
	recordTrailer = "\n\n"
	doneEventLine = "event: done"
)

// Writer frames StreamEvents onto an io.Writer, flushing after every record
// when the destination supports it (HTTP streaming responses).
type Writer struct {
	w       io.Writer
	flusher http.Flusher
}

// NewWriter wraps a destination writer.
func NewWriter(w io.Writer) *Writer {
	writer := &Writer{w: w}
	if f, ok := w.(http.Flusher); ok {
		writer.flusher = f
	}
	return writer
}

// WriteEvent frames and writes one event record.
func (w *Writer) WriteEvent(event pkg.StreamEvent) error {
	encoded, err := sonic.ConfigStd.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode stream event: %w", err)
	}
	if _, err := fmt.Fprintf(w.w, "%s%s%s", dataMarker, encoded, recordTrailer); err != nil {
		return fmt.Errorf("write stream event: %w", err)
	}
	w.flush()
	return nil
}

// WriteDone writes the terminating record that signals end of stream.
func (w *Writer) WriteDone() error {
	if _, err := io.WriteString(w.w, doneRecord); err != nil {
		return fmt.Errorf("write done record: %w", err)
	}
	w.flush()
	return nil
}

func (w *Writer) flush() {
	if w.flusher != nil {
		w.flusher.Flush()
	}
}

// Parser reassembles framed events from a chunked byte stream. Records may
// arrive split or merged across transport chunks; the parser buffers until a
// complete marker-prefixed block with its trailing blank line is seen.
type Parser struct {
	buf  bytes.Buffer
	done bool
}

// NewParser creates an empty parser.
func NewParser() *Parser {
	return &Parser{}
}

// Done reports whether the end-of-stream record has been seen.
func (p *Parser) Done() bool {
	return p.done
}

// Feed appends a transport chunk and returns every event completed by it.
func (p *Parser) Feed(chunk []byte) ([]pkg.StreamEvent, error) {
	p.buf.Write(chunk)

	var events []pkg.StreamEvent
	for {
		raw := p.buf.Bytes()
		end := bytes.Index(raw, []byte(recordTrailer))
		if end < 0 {
			return events, nil
		}
		block := make([]byte, end)
		copy(block, raw[:end])
		p.buf.Next(end + len(recordTrailer))

		event, isDone, err := parseBlock(block)
		if err != nil {
			return events, err
		}
		if isDone {
			p.done = true
			continue
		}
		events = append(events, event)
	}
}

func parseBlock(block []byte) (pkg.StreamEvent, bool, error) {
	var event pkg.StreamEvent
	isDone := false
	sawData := false

	for _, line := range bytes.Split(block, []byte("\n")) {
		switch {
		case bytes.Equal(line, []byte(doneEventLine)):
			isDone = true
		case bytes.HasPrefix(line, []byte(dataMarker)):
			if isDone {
				// the done record carries an empty data object
				continue
			}
			if err := sonic.Unmarshal(line[len(dataMarker):], &event); err != nil {
				return pkg.StreamEvent{}, false, fmt.Errorf("decode stream event: %w", err)
			}
			sawData = true
		}
	}

	if isDone {
		return pkg.StreamEvent{}, true, nil
	}
	if !sawData {
		return pkg.StreamEvent{}, false, fmt.Errorf("record missing data line: %q", block)
	}
	return event, false, nil
}
