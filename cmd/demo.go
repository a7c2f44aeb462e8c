package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run the built-in conflict scenarios",
	Long: `Run two built-in scenarios, each against its own fresh engine:

  last-writer-wins  agent A writes {x: 1}, then agent B writes {x: 2}
  dataset-merge     agent A writes {dataset: {a: 1}}, then agent B writes
                    {dataset: {b: 2}}; the maps are merged

Reports are printed as a JSON array.`,
	Args: cobra.NoArgs,
	RunE: runDemo,
}

func init() {
	rootCmd.AddCommand(demoCmd)
}

// demoScenarios submits updates one after another so the outcome does not
// depend on goroutine scheduling.
func demoScenarios() []*Scenario {
	return []*Scenario{
		{
			Name: "last-writer-wins",
			Steps: []Step{
				{Agent: "A", Updates: map[string]any{"x": 1}},
				{Agent: "B", Updates: map[string]any{"x": 2}},
			},
		},
		{
			Name: "dataset-merge",
			Steps: []Step{
				{Agent: "A", Updates: map[string]any{"dataset": map[string]any{"a": 1}}},
				{Agent: "B", Updates: map[string]any{"dataset": map[string]any{"b": 2}}},
			},
		},
	}
}

func runDemo(cmd *cobra.Command, _ []string) error {
	var reports []*Report
	for _, sc := range demoScenarios() {
		report, err := runIsolated(cmd, sc)
		if err != nil {
			return fmt.Errorf("scenario %q: %w", sc.Name, err)
		}
		reports = append(reports, report)
	}
	return writeJSON(cmd.OutOrStdout(), reports)
}

func runIsolated(cmd *cobra.Command, sc *Scenario) (*Report, error) {
	env, err := openEngine(cmd, sc)
	if err != nil {
		return nil, err
	}
	defer env.Close()
	return RunScenario(cmd.Context(), env.engine, sc)
}
