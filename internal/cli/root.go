// Package cli implements the server's command line.
package cli

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/trna-workbench/backend/internal/config"
)

// RootOptions holds global flags and the loaded configuration.
type RootOptions struct {
	Verbose bool
	DBPath  string

	Config *config.Config
}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Sequence cache server",
		Long: `Sequence cache server: a persistent store of tRNA sequence records and
tool annotations, kept in sync with connected clients over WebSocket.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if opts.DBPath != "" {
				cfg.Store.DBPath = opts.DBPath
			}
			opts.Config = cfg
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.DBPath, "db", "", "database path (overrides DB_PATH)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewCacheCommand(opts))

	return cmd
}

// commandLogger returns the logger for one-shot commands, which keep stdout
// for their results.
func (o *RootOptions) commandLogger() *zap.Logger {
	if !o.Verbose {
		return zap.NewNop()
	}
	log, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return log
}
