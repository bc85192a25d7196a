// Package zmap builds zmap command lines and decodes its JSON output.
package zmap

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/ctrlsam/rigour/pkg/netutil"
	"github.com/ctrlsam/rigour/pkg/subproc"
)

const (
	DefaultBinary = "zmap"
	DefaultRate   = 200
)

// Command describes one zmap scan.
type Command struct {
	Binary   string
	Ports    []int
	Networks []string
	// Rate is the send rate in packets per second.
	Rate int
}

// Args returns the argv for the command.
func (c Command) Args() []string {
	bin := c.Binary
	if bin == "" {
		bin = DefaultBinary
	}
	rate := c.Rate
	if rate <= 0 {
		rate = DefaultRate
	}

	args := []string{
		bin,
		"-p", netutil.FormatPorts(c.Ports),
		"--output-module=json",
		"--quiet",
		"--rate=" + strconv.Itoa(rate),
		"--output-filter=success = 1",
	}
	if len(c.Ports) > 1 {
		args = append(args, "--output-fields=saddr,sport")
	}
	return append(args, c.Networks...)
}

// Options returns adapter options; zmap reads its targets from argv, not stdin.
func (c Command) Options() subproc.Options {
	return subproc.Options{Args: c.Args()}
}

// Result is one responsive address.
type Result struct {
	Saddr string `json:"saddr"`
	Sport int    `json:"sport"`
}

// Parser decodes zmap JSON lines. zmap omits sport when a single port is
// scanned, so it is filled from ports in that case.
func Parser(ports []int) subproc.Parser[Result] {
	return func(line []byte) (Result, error) {
		var r Result
		if err := json.Unmarshal(line, &r); err != nil {
			return Result{}, fmt.Errorf("decode zmap result: %w", err)
		}
		if r.Saddr == "" {
			return Result{}, errors.New("zmap result has no saddr")
		}
		if len(ports) == 1 {
			r.Sport = ports[0]
		}
		if r.Sport <= 0 || r.Sport > 65535 {
			return Result{}, fmt.Errorf("zmap result for %s has invalid sport %d", r.Saddr, r.Sport)
		}
		return r, nil
	}
}
