// Package subscribers renders output events as styled text or JSON lines.
package subscribers

import (
	"io"

	"github.com/ctrlsam/rigour/pkg/output"
)

// NewOutput wires a stream with the formatter selected by jsonMode.
func NewOutput(stdout, stderr io.Writer, jsonMode, colorEnabled bool) output.Output {
	stream := output.NewOutputEventStream()
	if jsonMode {
		stream.Subscribe(NewJSONFormatter(stdout))
	} else {
		stream.Subscribe(NewHumanFormatter(stdout, stderr, colorEnabled))
	}
	return output.NewDefaultOutput(stream)
}
