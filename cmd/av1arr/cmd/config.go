package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the effective configuration",
	Long: `Dump the effective configuration in YAML format.

Redirect the output to a file to create a configuration template:

  av1arr config dump > config.yaml

Environment variables use the AV1ARR_ prefix and underscores for
nesting. Example: master.port -> AV1ARR_MASTER_PORT.`,
	RunE: runConfigDump,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
}

func runConfigDump(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	yamlData, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	fmt.Println("# av1arr configuration")
	fmt.Println("# All values reflect the effective configuration after")
	fmt.Println("# defaults, config file, and environment overrides.")
	fmt.Println("")
	fmt.Print(string(yamlData))
	return nil
}
