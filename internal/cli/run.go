package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ent0n29/rehearsal/internal/app"
	"github.com/ent0n29/rehearsal/internal/catalog"
	"github.com/ent0n29/rehearsal/internal/simulation"
)

type runFlags struct {
	scenario       string
	profiles       []string
	conversations  int
	maxTurns       int
	simulationOnly bool
}

func newRunCmd(e *env) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one scenario in the foreground and print the result as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenario(cmd, e, f)
		},
	}
	cmd.Flags().StringVarP(&f.scenario, "scenario", "s", "", "Scenario YAML file (required)")
	cmd.Flags().StringArrayVarP(&f.profiles, "profile", "p", nil, "Profile YAML file; repeatable, each file may hold several profiles")
	cmd.Flags().IntVarP(&f.conversations, "conversations", "n", 0, "Conversations to simulate (default 1)")
	cmd.Flags().IntVar(&f.maxTurns, "max-turns", 0, "Turns per conversation (default $SIM_MAX_TURNS)")
	cmd.Flags().BoolVar(&f.simulationOnly, "simulation-only", false, "Do not write runs, turns or events to the store")
	_ = cmd.MarkFlagRequired("scenario")
	return cmd
}

func runScenario(cmd *cobra.Command, e *env, f *runFlags) error {
	scenario, err := catalog.LoadScenarioFile(f.scenario)
	if err != nil {
		return err
	}
	var profiles []catalog.ProfileDoc
	for _, path := range f.profiles {
		docs, err := catalog.LoadProfilesFile(path)
		if err != nil {
			return err
		}
		profiles = append(profiles, docs...)
	}
	if f.conversations < 0 || f.maxTurns < 0 {
		return fmt.Errorf("--conversations and --max-turns must not be negative")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Foreground runs expose no /metrics; keep their instruments off the default registry.
	res, err := app.Build(ctx, e.cfg, app.WithLogger(e.logger), app.WithRegisterer(prometheus.NewRegistry()))
	if err != nil {
		return err
	}
	defer func() {
		if err := res.Cleanup(context.Background()); err != nil {
			e.logger.Warn("cleanup failed", zap.Error(err))
		}
	}()

	out := res.Orchestrator.RunScenario(ctx, simulation.RunRequest{
		Scenario: scenario,
		Profiles: profiles,
		Options: simulation.Options{
			ConversationsPerScenario: f.conversations,
			MaxTurns:                 f.maxTurns,
		},
		SimulationOnly: f.simulationOnly,
	})

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
