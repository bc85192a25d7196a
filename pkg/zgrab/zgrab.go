// Package zgrab builds zgrab2 command lines and decodes its JSON result lines.
package zgrab

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ctrlsam/rigour/pkg/subproc"
)

const DefaultBinary = "zgrab2"

// Command describes one zgrab2 module invocation reading targets from stdin.
type Command struct {
	Binary  string
	Service string
	// Port pins the module to one port; 0 leaves zgrab2's module default.
	Port int
}

// Args returns the argv for the command.
func (c Command) Args() []string {
	bin := c.Binary
	if bin == "" {
		bin = DefaultBinary
	}
	args := []string{bin, c.Service}
	if c.Port > 0 {
		args = append(args, "--port", strconv.Itoa(c.Port))
	}
	return append(args, "--flush")
}

// ServiceResult is the per-module section of a zgrab2 result.
type ServiceResult struct {
	Status    string         `json:"status"`
	Protocol  string         `json:"protocol"`
	Timestamp time.Time      `json:"timestamp"`
	Error     string         `json:"error,omitempty"`
	Result    map[string]any `json:"result,omitempty"`
}

// Map converts the section into the banner data document.
func (s ServiceResult) Map() map[string]any {
	m := map[string]any{
		"status":    s.Status,
		"protocol":  s.Protocol,
		"timestamp": s.Timestamp,
		"error":     nil,
		"result":    nil,
	}
	if s.Error != "" {
		m["error"] = s.Error
	}
	if s.Result != nil {
		m["result"] = s.Result
	}
	return m
}

// Result is one zgrab2 output line.
type Result struct {
	IP   string                   `json:"ip"`
	Data map[string]ServiceResult `json:"data"`
}

// Service returns the section for service, if present.
func (r Result) Service(service string) (ServiceResult, bool) {
	s, ok := r.Data[service]
	return s, ok
}

// Parser returns a line parser that requires the section for service.
func Parser(service string) subproc.Parser[Result] {
	return func(line []byte) (Result, error) {
		var r Result
		if err := json.Unmarshal(line, &r); err != nil {
			return Result{}, fmt.Errorf("decode zgrab2 result: %w", err)
		}
		if r.IP == "" {
			return Result{}, errors.New("zgrab2 result has no ip")
		}
		if _, ok := r.Data[service]; !ok {
			return Result{}, fmt.Errorf("zgrab2 result for %s has no %q section", r.IP, service)
		}
		return r, nil
	}
}

// Options returns adapter options for running the command with stdin piping.
func (c Command) Options() subproc.Options {
	return subproc.Options{Args: c.Args(), Piping: true}
}
