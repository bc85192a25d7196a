package output

import (
	"fmt"
	"time"
)

// DefaultOutput turns Output calls into events on a stream.
type DefaultOutput struct {
	stream *OutputEventStream
	now    func() time.Time
}

// NewDefaultOutput creates a DefaultOutput emitting to stream.
func NewDefaultOutput(stream *OutputEventStream) *DefaultOutput {
	return &DefaultOutput{
		stream: stream,
		now:    time.Now,
	}
}

// WithClock sets the event timestamp source.
func (o *DefaultOutput) WithClock(now func() time.Time) *DefaultOutput {
	o.now = now
	return o
}

func (o *DefaultOutput) emit(t OutputEventType, message string, data any) {
	o.stream.Emit(OutputEvent{
		Type:      t,
		Message:   message,
		Data:      data,
		Timestamp: o.now().UTC(),
	})
}

func (o *DefaultOutput) Info(message string) {
	o.emit(EventInfo, message, nil)
}

func (o *DefaultOutput) Infof(format string, args ...any) {
	o.emit(EventInfo, fmt.Sprintf(format, args...), nil)
}

// Error emits err; a nil error emits nothing.
func (o *DefaultOutput) Error(err error) {
	if err == nil {
		return
	}
	o.emit(EventError, err.Error(), nil)
}

func (o *DefaultOutput) Warning(message string) {
	o.emit(EventWarning, message, nil)
}

// Table emits rows under headers. Rows shorter than headers are padded so
// formatters can index every column.
func (o *DefaultOutput) Table(headers []string, rows [][]string) {
	padded := make([][]string, len(rows))
	for i, row := range rows {
		if len(row) < len(headers) {
			row = append(append([]string(nil), row...), make([]string, len(headers)-len(row))...)
		}
		padded[i] = row
	}
	o.emit(EventTable, "", TableData{Headers: headers, Rows: padded})
}

// Record emits one structured document, e.g. a host record titled by its IP.
func (o *DefaultOutput) Record(title string, record any) {
	o.emit(EventRecord, title, record)
}
