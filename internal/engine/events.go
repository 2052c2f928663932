package engine

import (
	"context"

	"datastory/internal/metrics"
	"datastory/pkg"
)

// EventStream is the ordered channel of progress events for one workflow
// run. Single producer (the run goroutine), single consumer (the request
// handler). The channel is bounded: a slow consumer blocks the producer
// rather than losing events.
type EventStream struct {
	ch   chan pkg.StreamEvent
	next int
}

func newEventStream(buffer int) *EventStream {
	if buffer <= 0 {
		buffer = 16
	}
	return &EventStream{
		ch: make(chan pkg.StreamEvent, buffer),
	}
}

// Events returns the consumer side of the stream. The channel closes after
// the run terminates; a non-cancelled run delivers exactly one final-result
// event last.
func (s *EventStream) Events() <-chan pkg.StreamEvent {
	return s.ch
}

// emit assigns the next sequence number and delivers the event, blocking
// under backpressure. Returns the context error when the run is cancelled
// before delivery; the sequence number is not consumed in that case.
func (s *EventStream) emit(ctx context.Context, kind pkg.EventKind, data map[string]any) error {
	event := pkg.StreamEvent{
		Sequence: s.next,
		Kind:     kind,
		Data:     data,
	}

	select {
	case s.ch <- event:
		s.next++
		metrics.EventsEmitted.Inc()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *EventStream) close() {
	close(s.ch)
}
