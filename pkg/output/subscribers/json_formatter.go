package subscribers

import (
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/ctrlsam/rigour/pkg/output"
)

// JSONFormatter emits structured JSON output (when --json flag is present).
//
// Output format: One JSON object per line (JSON Lines format). Tables become
// an array of objects keyed by the lowercased headers.
type JSONFormatter struct {
	encoder *json.Encoder
}

// NewJSONFormatter creates a new JSONFormatter subscriber.
func NewJSONFormatter(writer io.Writer) *JSONFormatter {
	return &JSONFormatter{
		encoder: json.NewEncoder(writer),
	}
}

// Name returns the subscriber identifier.
func (s *JSONFormatter) Name() string {
	return "json-formatter"
}

// ShouldHandle reports true for every event.
func (s *JSONFormatter) ShouldHandle(event output.OutputEvent) bool {
	return true
}

// Handle processes an output event and renders it as JSON.
func (s *JSONFormatter) Handle(event output.OutputEvent) {
	jsonEvent := map[string]any{
		"type":      event.Type,
		"timestamp": event.Timestamp.Format(time.RFC3339),
	}
	if event.Message != "" {
		jsonEvent["message"] = event.Message
	}
	switch data := event.Data.(type) {
	case nil:
	case output.TableData:
		jsonEvent["data"] = tableObjects(data)
	default:
		jsonEvent["data"] = data
	}

	// Subscribers cannot propagate errors; a broken pipe drops the event.
	_ = s.encoder.Encode(jsonEvent)
}

func tableObjects(t output.TableData) []map[string]string {
	rows := make([]map[string]string, 0, len(t.Rows))
	for _, row := range t.Rows {
		obj := make(map[string]string, len(t.Headers))
		for i, h := range t.Headers {
			if i < len(row) {
				obj[strings.ToLower(h)] = row[i]
			}
		}
		rows = append(rows, obj)
	}
	return rows
}
