package refocus

import (
	"log"
	"sync"
)

// EventKind labels a notification emitted by the engine.
type EventKind string

const (
	EventRunStarted            EventKind = "run_started"
	EventLineUpdated           EventKind = "line_updated"
	EventImageUpdated          EventKind = "image_updated"
	EventRunFinished           EventKind = "run_finished"
	EventXYSizeChanged         EventKind = "xy_size_changed"
	EventZSizeChanged          EventKind = "z_size_changed"
	EventClockFrequencyChanged EventKind = "clock_frequency_changed"
	EventPositionChanged       EventKind = "position_changed"
)

// Event is a notification to callers. Only the fields relevant to the kind
// are populated; RunFinished carries the caller tag and the final position
// vector truncated to the device axis count.
type Event struct {
	Kind        EventKind
	Tag         string
	Position    []float64
	FrequencyHz int
}

// Sink receives engine events. Publish must not block for long: it is
// called from the run goroutine between hardware operations.
type Sink interface {
	Publish(Event)
}

// LogSink writes events to a logger.
type LogSink struct {
	Logger *log.Logger
}

func (s *LogSink) Publish(e Event) {
	logger := s.Logger
	if logger == nil {
		logger = log.Default()
	}
	switch e.Kind {
	case EventRunFinished:
		logger.Printf("[refocus] %s tag=%q position=%v", e.Kind, e.Tag, e.Position)
	case EventClockFrequencyChanged:
		logger.Printf("[refocus] %s frequency=%dHz", e.Kind, e.FrequencyHz)
	case EventPositionChanged:
		logger.Printf("[refocus] %s position=%v", e.Kind, e.Position)
	default:
		logger.Printf("[refocus] %s", e.Kind)
	}
}

// CaptureSink records events in memory, for tests and for callers that
// want to poll.
type CaptureSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *CaptureSink) Publish(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

// Events returns a copy of everything published so far.
func (s *CaptureSink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

// Last returns the most recent event of the given kind, or false.
func (s *CaptureSink) Last(kind EventKind) (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].Kind == kind {
			return s.events[i], true
		}
	}
	return Event{}, false
}

// Count returns how many events of the given kind have been published.
func (s *CaptureSink) Count(kind EventKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// multiSink fans events out to several sinks.
type multiSink []Sink

func (m multiSink) Publish(e Event) {
	for _, s := range m {
		s.Publish(e)
	}
}

// MultiSink combines sinks; nil entries are dropped.
func MultiSink(sinks ...Sink) Sink {
	out := make(multiSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}
