package bind

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/ctrlsam/rigour/pkg/storage"
)

// OutputOptions selects how a command renders results.
type OutputOptions struct {
	JSON    bool
	NoColor bool
}

// OutputFlags registers --json and --no-color.
func OutputFlags(fs *pflag.FlagSet) {
	fs.Bool("json", false, "Print JSON lines instead of text")
	fs.Bool("no-color", false, "Disable colored output")
}

// BindOutputOptions reads the output flags.
func BindOutputOptions(cmd *cobra.Command) OutputOptions {
	jsonMode, _ := cmd.Flags().GetBool("json")
	noColor, _ := cmd.Flags().GetBool("no-color")
	return OutputOptions{JSON: jsonMode, NoColor: noColor}
}

// HostListOptions are the arguments of `hosts list`.
type HostListOptions struct {
	Filter storage.HostFilter
	Cursor string
	Limit  int
	All    bool
}

// HostListFlags registers the `hosts list` filters.
func HostListFlags(fs *pflag.FlagSet) {
	fs.String("country", "", "Only hosts located in this country code")
	fs.String("with-service", "", "Only hosts with a banner for this service")
	fs.Int("on-port", 0, "Only hosts with a banner grabbed on this port")
	fs.String("cursor", "", "Continue from a previous page")
	fs.Int("limit", 50, "Page size (1-100)")
	fs.Bool("all", false, "Follow cursors until every page is printed")
}

// BindHostListOptions reads and validates the `hosts list` flags.
//
// Flags read:
//   - --country: country code filter ("?" for unlocated hosts)
//   - --with-service: service name filter
//   - --on-port: banner port filter
//   - --cursor: pagination cursor
//   - --limit: page size
//   - --all: print every page
func BindHostListOptions(cmd *cobra.Command) (HostListOptions, error) {
	country, _ := cmd.Flags().GetString("country")
	service, _ := cmd.Flags().GetString("with-service")
	port, _ := cmd.Flags().GetInt("on-port")
	cursor, _ := cmd.Flags().GetString("cursor")
	limit, _ := cmd.Flags().GetInt("limit")
	all, _ := cmd.Flags().GetBool("all")

	if limit < 1 || limit > 100 {
		return HostListOptions{}, fmt.Errorf("--limit must be between 1 and 100, got %d", limit)
	}
	if port < 0 || port > 65535 {
		return HostListOptions{}, fmt.Errorf("--on-port must be between 0 and 65535, got %d", port)
	}
	if all && cursor != "" {
		return HostListOptions{}, errors.New("--all and --cursor cannot be combined")
	}

	return HostListOptions{
		Filter: storage.HostFilter{CountryCode: country, Service: service, Port: port},
		Cursor: cursor,
		Limit:  limit,
		All:    all,
	}, nil
}

// BindHostIP validates the address argument of `hosts show` and `hosts delete`.
func BindHostIP(args []string) (string, error) {
	if len(args) != 1 {
		return "", errors.New("exactly one host address is required")
	}
	ip := net.ParseIP(args[0])
	if ip == nil {
		return "", fmt.Errorf("%q is not an IP address", args[0])
	}
	return ip.String(), nil
}

// GCFlags registers the garbage collection flags.
func GCFlags(fs *pflag.FlagSet) {
	fs.Duration("max-age", 30*24*time.Hour, "Delete hosts not updated for this long")
	fs.Bool("dry-run", false, "Only report what would be deleted")
}

// BindGCOptions reads and validates the garbage collection flags.
func BindGCOptions(cmd *cobra.Command) (storage.GCOptions, error) {
	maxAge, _ := cmd.Flags().GetDuration("max-age")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	if maxAge <= 0 {
		return storage.GCOptions{}, fmt.Errorf("--max-age must be positive, got %s", maxAge)
	}
	return storage.GCOptions{MaxAge: maxAge, DryRun: dryRun}, nil
}
