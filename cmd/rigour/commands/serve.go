package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ctrlsam/rigour/cmd/rigour/internal/bind"
	"github.com/ctrlsam/rigour/pkg/server/app"
	"github.com/ctrlsam/rigour/pkg/storage"
)

func newServeCommand(rt *session) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve stored host records over a read-only HTTP API",
		Example: `  rigour serve --addr 0.0.0.0 --listen-port 8080
  rigour serve --retention 720h`,
		GroupID: "core",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			store, err := storage.Open(ctx, rt.cfg.Storage)
			if err != nil {
				return fmt.Errorf("open storage: %w", err)
			}
			defer store.Close()

			a, err := app.New(ctx, rt.cfg.Server, &app.Deps{
				Store:  store,
				Logger: log.With().Str("component", "server").Logger(),
			})
			if err != nil {
				return err
			}
			return a.Run(ctx)
		},
	}

	bind.ServerFlags(cmd.Flags())
	bind.StorageFlags(cmd.Flags())

	return cmd
}
