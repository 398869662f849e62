// Package cli implements the rehearsal commands.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ent0n29/rehearsal/internal/config"
	"github.com/ent0n29/rehearsal/internal/logging"
)

// env is filled by the root command before any subcommand runs.
type env struct {
	cfg    config.Config
	logger *zap.Logger
}

// NewRootCmd returns the top-level command with serve and run attached.
func NewRootCmd() *cobra.Command {
	e := &env{}
	root := &cobra.Command{
		Use:           "rehearsal",
		Short:         "Simulate and moderate synthetic conversations",
		Long:          "Runs scripted synthetic-user conversations against a responder model, moderating every reply and compressing memory between turns.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}
			e.cfg = cfg
			e.logger = logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if e.logger != nil {
				_ = e.logger.Sync()
			}
		},
	}
	root.AddCommand(newServeCmd(e), newRunCmd(e))
	return root
}
