package commands

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ctrlsam/rigour/cmd/rigour/internal/bind"
	"github.com/ctrlsam/rigour/pkg/host"
	"github.com/ctrlsam/rigour/pkg/output"
	"github.com/ctrlsam/rigour/pkg/output/subscribers"
	"github.com/ctrlsam/rigour/pkg/storage"
)

var hostTableHeaders = []string{"ip", "country", "services", "vulns", "updated"}

func newHostsCommand(rt *session) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "hosts",
		Short:   "Inspect stored host records",
		GroupID: "core",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	bind.StorageFlags(cmd.PersistentFlags())
	bind.OutputFlags(cmd.PersistentFlags())

	cmd.AddCommand(newHostsListCommand(rt))
	cmd.AddCommand(newHostsShowCommand(rt))
	cmd.AddCommand(newHostsDeleteCommand(rt))

	return cmd
}

func newOutput(cmd *cobra.Command) output.Output {
	opts := bind.BindOutputOptions(cmd)
	return subscribers.NewOutput(cmd.OutOrStdout(), cmd.ErrOrStderr(), opts.JSON, !opts.NoColor)
}

func newHostsListCommand(rt *session) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List hosts, most recently updated first",
		Example: `  rigour hosts list --country NZ
  rigour hosts list --with-service ssh --all --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts, err := bind.BindHostListOptions(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			store, err := storage.Open(ctx, rt.cfg.Storage)
			if err != nil {
				return fmt.Errorf("open storage: %w", err)
			}
			defer store.Close()

			out := newOutput(cmd)
			var rows [][]string
			cursor := opts.Cursor
			total := 0
			for {
				page, next, n, err := store.List(ctx, opts.Filter, cursor, opts.Limit)
				if err != nil {
					return fmt.Errorf("list hosts: %w", err)
				}
				total = n
				for _, rec := range page {
					rows = append(rows, hostRow(rec))
				}
				cursor = next
				if !opts.All || next == "" {
					break
				}
			}

			out.Table(hostTableHeaders, rows)
			summary := fmt.Sprintf("%d of %d hosts", len(rows), total)
			if cursor != "" {
				summary += fmt.Sprintf(" (next page: --cursor %s)", cursor)
			}
			out.Info(summary)
			return nil
		},
	}

	bind.HostListFlags(cmd.Flags())
	return cmd
}

func hostRow(rec *host.Record) []string {
	services := make([]string, 0, len(rec.Banners))
	for svc := range rec.Banners {
		services = append(services, svc)
	}
	sort.Strings(services)

	country := rec.Location.CountryCode
	if country == "" {
		country = host.UnknownCountry
	}
	return []string{
		rec.IP,
		country,
		strings.Join(services, ","),
		strconv.Itoa(len(rec.Vulnerabilities)),
		rec.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func newHostsShowCommand(rt *session) *cobra.Command {
	return &cobra.Command{
		Use:     "show <ip>",
		Short:   "Print the full record of one host",
		Example: `  rigour hosts show 192.0.2.10`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ip, err := bind.BindHostIP(args)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			store, err := storage.Open(ctx, rt.cfg.Storage)
			if err != nil {
				return fmt.Errorf("open storage: %w", err)
			}
			defer store.Close()

			rec, err := store.Get(ctx, ip)
			if err != nil {
				return err
			}
			newOutput(cmd).Record(rec.IP, rec)
			return nil
		},
	}
}

func newHostsDeleteCommand(rt *session) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <ip>",
		Short: "Remove one host record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ip, err := bind.BindHostIP(args)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			store, err := storage.Open(ctx, rt.cfg.Storage)
			if err != nil {
				return fmt.Errorf("open storage: %w", err)
			}
			defer store.Close()

			if err := store.Delete(ctx, ip); err != nil {
				return err
			}
			newOutput(cmd).Info("Deleted " + ip)
			return nil
		},
	}
}
