// Package output renders command results. Commands emit events through the
// Output interface; subscribers turn them into styled text or JSON lines.
package output

import (
	"sync"
	"time"
)

// OutputEventType defines the type of output event.
type OutputEventType string

const (
	// EventInfo represents a general information message (always visible)
	EventInfo OutputEventType = "info"

	// EventError represents an error message
	EventError OutputEventType = "error"

	// EventWarning represents a warning message
	EventWarning OutputEventType = "warning"

	// EventTable represents tabular data output
	EventTable OutputEventType = "table"

	// EventRecord represents one structured document (a stored host)
	EventRecord OutputEventType = "record"
)

// OutputEvent represents a single output event emitted by a command.
type OutputEvent struct {
	// Type identifies the event category (info, error, table, etc.)
	Type OutputEventType

	// Message is the primary text content
	Message string

	// Data contains structured data (table headers/rows, a record)
	Data any

	// Timestamp records when the event was created
	Timestamp time.Time
}

// TableData is the payload of EventTable.
type TableData struct {
	Headers []string   `json:"headers"`
	Rows    [][]string `json:"rows"`
}

// Output is the primary interface for commands to emit output events.
// Commands use it without knowing about the rendering format.
type Output interface {
	// Info emits a general information message.
	// Example: out.Info("Deleted 3 stale hosts")
	Info(message string)

	// Infof formats and emits an information message.
	// Example: out.Infof("%d of %d hosts", 50, 132)
	Infof(format string, args ...any)

	// Error emits an error message.
	Error(err error)

	// Warning emits a warning message.
	Warning(message string)

	// Table emits tabular data with headers and rows.
	// Example: out.Table([]string{"IP", "Country"}, [][]string{{"192.0.2.1", "NZ"}})
	Table(headers []string, rows [][]string)

	// Record emits one structured document under a title.
	Record(title string, record any)
}

// OutputSubscriber renders the events it chooses to handle.
type OutputSubscriber interface {
	Name() string
	ShouldHandle(event OutputEvent) bool
	Handle(event OutputEvent)
}

// OutputEventStream fans events out to subscribers in subscription order.
type OutputEventStream struct {
	mu          sync.RWMutex
	subscribers []OutputSubscriber
}

// NewOutputEventStream returns an empty stream.
func NewOutputEventStream() *OutputEventStream {
	return &OutputEventStream{}
}

// Subscribe adds s to the stream.
func (s *OutputEventStream) Subscribe(sub OutputSubscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, sub)
}

// SubscriberCount returns the number of subscribers.
func (s *OutputEventStream) SubscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers)
}

// Emit delivers event synchronously to every interested subscriber.
func (s *OutputEventStream) Emit(event OutputEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subscribers {
		if sub.ShouldHandle(event) {
			sub.Handle(event)
		}
	}
}
