package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ctrlsam/rigour/cmd/rigour/internal/bind"
	"github.com/ctrlsam/rigour/pkg/bus"
	"github.com/ctrlsam/rigour/pkg/grabber"
	"github.com/ctrlsam/rigour/pkg/storage"
)

func newGrabCommand(rt *session) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grab",
		Short: "Grab banners for discovered ports and publish them",
		Long: `Consume port discoveries from the bus, feed their addresses to zgrab2
and publish each result as a banner message. Results are also saved to the
configured storage backend.`,
		Example: `  rigour grab --service http --port 80
  SERVICE=ssh PORT=22 rigour grab`,
		GroupID: "stage",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := rt.cfg.Grabber
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx := cmd.Context()
			b, err := bus.New(ctx, rt.cfg.Bus)
			if err != nil {
				return fmt.Errorf("connect bus: %w", err)
			}
			defer b.Close()

			store, err := storage.Open(ctx, rt.cfg.Storage)
			if err != nil {
				return fmt.Errorf("open storage: %w", err)
			}
			defer store.Close()

			g, err := grabber.New(cfg, b, store)
			if err != nil {
				return err
			}
			log.Info().Str("service", cfg.Service).Int("port", cfg.Port).Msg("Starting banner grabber")
			return g.Run(ctx)
		},
	}

	bind.GrabFlags(cmd.Flags())
	bind.BusFlags(cmd.Flags())
	bind.StorageFlags(cmd.Flags())

	return cmd
}
