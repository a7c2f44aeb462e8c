package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	runHold        bool
	runMetricsAddr string
)

var runCmd = &cobra.Command{
	Use:   "run <scenario.yaml>",
	Short: "Run a scenario file against a fresh engine",
	Long: `Run a scenario of updates and rollbacks against a fresh in-process engine
and print the per-step results and final status as JSON.

Scenario format:
  name: example
  priorities: {planner: 8}          # optional, replaces configured priorities
  strategy_rules:                   # optional, replaces configured rules
    - {pattern: "secret*", strategy: manual_resolution}
  steps:
    - agent: A                      # single update
      updates: {x: 1}
    - concurrent:                   # updates submitted at the same time
        - {agent: A, updates: {dataset: {a: 1}}}
        - {agent: B, updates: {dataset: {b: 2}}}
    - rollback: 0                   # roll back to the version step 0 produced

Use --hold to keep the engine alive after the scenario, reloading the
priority table when config files change, until interrupted.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolVar(&runHold, "hold", false, "Keep running after the scenario and watch config files")
	runCmd.Flags().StringVar(&runMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
}

func runRun(cmd *cobra.Command, args []string) error {
	sc, err := LoadScenario(args[0])
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env, err := openEngine(cmd, sc)
	if err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}
	defer env.Close()

	if runMetricsAddr != "" {
		env.serveMetrics(runMetricsAddr)
	}

	report, err := RunScenario(ctx, env.engine, sc)
	if err != nil {
		return fmt.Errorf("scenario %q: %w", sc.Name, err)
	}
	if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
		return err
	}

	if !runHold {
		return nil
	}
	if err := env.mgr.Watch(ctx); err != nil {
		return fmt.Errorf("failed to watch config: %w", err)
	}
	env.logger.Info("holding engine; interrupt to exit", "version", report.FinalVersion)
	<-ctx.Done()
	return nil
}
