package commands

import (
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ctrlsam/rigour/pkg/config"
)

const cliExecutable = "rigour"

// session carries what PersistentPreRunE loaded to the subcommands.
type session struct {
	manager *config.Manager
	cfg     config.Config
}

// NewCommand constructs the top-level rigour CLI command, wiring global flags,
// configuration loading and logging.
func NewCommand() *cobra.Command {
	var (
		configFile     string
		verbosityCount int
		verbose        bool
	)
	rt := &session{}

	cmd := &cobra.Command{
		Use:   cliExecutable,
		Short: "Rigour correlates streaming scanner output into host records",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			rt.manager = config.NewManager()
			if err := rt.manager.Load(cmd.Flags(), configFile); err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			rt.cfg = rt.manager.Get()

			level, err := logLevel(rt.cfg.Log.Level, verbosityCount, verbose)
			if err != nil {
				return err
			}
			setupLogging(cmd.ErrOrStderr(), rt.cfg.Log.Format, level)
			return nil
		},
	}

	cmd.SilenceUsage = true

	cmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Configuration file path")
	cmd.PersistentFlags().CountVarP(&verbosityCount, "verbosity", "v", "Increase logging verbosity (repeatable)")
	cmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable verbose logging")

	config.BindFlags(cmd.PersistentFlags())

	cmd.AddGroup(&cobra.Group{ID: "stage", Title: "Pipeline Stages"})
	cmd.AddGroup(&cobra.Group{ID: "core", Title: "Core Commands"})

	cmd.AddCommand(newGrabCommand(rt))
	cmd.AddCommand(newPortsCommand(rt))
	cmd.AddCommand(newServeCommand(rt))
	cmd.AddCommand(newHostsCommand(rt))
	cmd.AddCommand(newGCCommand(rt))
	cmd.AddCommand(newConfigCommand(rt))

	return cmd
}

// logLevel resolves the level: --verbose wins, then -v (1 => info,
// 2+ => debug), then log.level.
func logLevel(configured string, verbosityCount int, verbose bool) (zerolog.Level, error) {
	switch {
	case verbose:
		return zerolog.DebugLevel, nil
	case verbosityCount == 1:
		return zerolog.InfoLevel, nil
	case verbosityCount > 1:
		return zerolog.DebugLevel, nil
	}
	if configured == "" {
		return zerolog.InfoLevel, nil
	}
	level, err := zerolog.ParseLevel(configured)
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("invalid log level %q: %w", configured, err)
	}
	return level, nil
}

func setupLogging(w io.Writer, format string, level zerolog.Level) {
	zerolog.SetGlobalLevel(level)
	if format == "json" {
		log.Logger = zerolog.New(w).With().Timestamp().Logger()
		return
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
}
