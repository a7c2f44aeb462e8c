package cmd

import (
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	Long: `Print the configuration after layering defaults, the user config file,
./.ctxsync.yaml, --config and CTXSYNC_* environment variables.`,
	Args: cobra.NoArgs,
	RunE: runConfigShow,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	mgr, err := loadConfig(newLogger(cmd.ErrOrStderr(), logLevel, "info"))
	if err != nil {
		return err
	}
	defer mgr.Close()

	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(mgr.Get()); err != nil {
		return err
	}
	return enc.Close()
}
