package subscribers

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/ctrlsam/rigour/pkg/output"
)

var (
	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10")) // Green

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")). // Red
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11")). // Yellow
			Bold(true)

	// Record titles (## 192.0.2.1)
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("105")). // Purple
			Bold(true)

	tableHeaderStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("62")). // Blue
				Padding(0, 1)

	// First table column (addresses)
	keyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39")) // Cyan

	// Record keys in rendered documents
	fieldStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))
)

// HumanFormatter renders human-friendly output (tables, colors, documents).
// Used when --json flag is NOT present.
type HumanFormatter struct {
	stdout       io.Writer
	stderr       io.Writer
	colorEnabled bool
}

// NewHumanFormatter creates a new HumanFormatter subscriber.
func NewHumanFormatter(stdout, stderr io.Writer, colorEnabled bool) *HumanFormatter {
	return &HumanFormatter{
		stdout:       stdout,
		stderr:       stderr,
		colorEnabled: colorEnabled,
	}
}

// Name returns the subscriber identifier.
func (s *HumanFormatter) Name() string {
	return "human-formatter"
}

// ShouldHandle reports true for every event.
func (s *HumanFormatter) ShouldHandle(event output.OutputEvent) bool {
	return true
}

// Handle processes an output event and renders it in human-friendly format.
func (s *HumanFormatter) Handle(event output.OutputEvent) {
	switch event.Type {
	case output.EventInfo:
		s.println(s.stdout, infoStyle, event.Message)

	case output.EventError:
		s.println(s.stderr, errorStyle, "Error: "+event.Message)

	case output.EventWarning:
		s.println(s.stdout, warningStyle, "Warning: "+event.Message)

	case output.EventTable:
		if data, ok := event.Data.(output.TableData); ok {
			s.printTable(data.Headers, data.Rows)
		}

	case output.EventRecord:
		s.printRecord(event.Message, event.Data)
	}
}

func (s *HumanFormatter) style(st lipgloss.Style, text string) string {
	if !s.colorEnabled {
		return text
	}
	return st.Render(text)
}

func (s *HumanFormatter) println(w io.Writer, st lipgloss.Style, message string) {
	_, _ = fmt.Fprintln(w, s.style(st, message))
}

// printTable outputs tabular data; an empty table prints only its headers.
func (s *HumanFormatter) printTable(headers []string, rows [][]string) {
	w := tabwriter.NewWriter(s.stdout, 0, 0, 2, ' ', 0)

	headerLine := make([]string, len(headers))
	for i, h := range headers {
		headerLine[i] = s.style(tableHeaderStyle, strings.ToUpper(h))
	}
	_, _ = fmt.Fprintln(w, strings.Join(headerLine, "\t"))

	for _, row := range rows {
		styled := make([]string, len(row))
		for i, cell := range row {
			if i == 0 {
				styled[i] = s.style(keyStyle, cell)
			} else {
				styled[i] = cell
			}
		}
		_, _ = fmt.Fprintln(w, strings.Join(styled, "\t"))
	}
	_ = w.Flush()
}

// printRecord renders a document as YAML using its JSON field names.
func (s *HumanFormatter) printRecord(title string, record any) {
	if title != "" {
		s.println(s.stdout, headerStyle, "## "+title)
	}

	text, err := toYAML(record)
	if err != nil {
		s.println(s.stderr, errorStyle, "Error: "+err.Error())
		return
	}
	for _, line := range strings.Split(strings.TrimRight(text, "\n"), "\n") {
		if key, rest, ok := strings.Cut(line, ":"); ok && !strings.HasPrefix(strings.TrimSpace(key), "-") {
			line = s.style(fieldStyle, key+":") + rest
		}
		_, _ = fmt.Fprintln(s.stdout, line)
	}
}

func toYAML(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode record: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", fmt.Errorf("encode record: %w", err)
	}
	out, err := yaml.Marshal(generic)
	if err != nil {
		return "", fmt.Errorf("encode record: %w", err)
	}
	return string(out), nil
}
