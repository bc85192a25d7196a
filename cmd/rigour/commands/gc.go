package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ctrlsam/rigour/cmd/rigour/internal/bind"
	"github.com/ctrlsam/rigour/pkg/storage"
)

func newGCCommand(rt *session) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Delete hosts that no stage has updated recently",
		Example: `  rigour gc --max-age 720h
  rigour gc --max-age 24h --dry-run`,
		GroupID: "core",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts, err := bind.BindGCOptions(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			store, err := storage.Open(ctx, rt.cfg.Storage)
			if err != nil {
				return fmt.Errorf("open storage: %w", err)
			}
			defer store.Close()

			res, err := storage.GarbageCollect(ctx, store, opts)
			if err != nil {
				return fmt.Errorf("garbage collect: %w", err)
			}

			out := newOutput(cmd)
			rows := make([][]string, 0, len(res.DeletedIPs))
			for _, ip := range res.DeletedIPs {
				rows = append(rows, []string{ip})
			}
			if len(rows) > 0 {
				out.Table([]string{"ip"}, rows)
			}
			verb := "Deleted"
			if opts.DryRun {
				verb = "Would delete"
			}
			out.Infof("%s %d hosts older than %s", verb, res.HostsDeleted, opts.MaxAge)
			for _, e := range res.Errors {
				out.Error(e)
			}
			if len(res.Errors) > 0 {
				return fmt.Errorf("%d deletions failed", len(res.Errors))
			}
			return nil
		},
	}

	bind.GCFlags(cmd.Flags())
	bind.StorageFlags(cmd.Flags())
	bind.OutputFlags(cmd.Flags())

	return cmd
}
