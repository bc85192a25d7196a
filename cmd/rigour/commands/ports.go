package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ctrlsam/rigour/cmd/rigour/internal/bind"
	"github.com/ctrlsam/rigour/pkg/bus"
	"github.com/ctrlsam/rigour/pkg/ports"
	"github.com/ctrlsam/rigour/pkg/storage"
)

func newPortsCommand(rt *session) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ports",
		Short: "Scan networks with zmap and publish open ports",
		Example: `  rigour ports --ports 80,443 --networks 192.0.2.0/24
  rigour ports --ports 22 --networks 198.51.100.0/24 --rate 5000`,
		GroupID: "stage",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
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

			stage, err := ports.New(rt.cfg.Ports, b, store)
			if err != nil {
				return err
			}
			return stage.Run(ctx)
		},
	}

	bind.PortsFlags(cmd.Flags())
	bind.BusFlags(cmd.Flags())
	bind.StorageFlags(cmd.Flags())

	return cmd
}
