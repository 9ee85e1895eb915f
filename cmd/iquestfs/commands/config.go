package commands

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"github.com/objectfs/iquestfs/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
	Long: `Manage iquestfs configuration files.

Subcommands:
  init      Write a configuration file with the default settings
  show      Display the effective configuration
  validate  Check a configuration file`,
}

var (
	initForce  bool
	showOutput string
)

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a default configuration file",
	Long: `Write the default configuration to [path], or to the --config path, or to
$XDG_CONFIG_HOME/iquestfs/config.yaml. An existing file is kept unless --force is set.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Display the effective configuration",
	Long: `Display the configuration after defaults, the config file and IQUESTFS_*
environment variables have been applied.

Examples:
  iquestfs config show
  iquestfs config show --output json
  iquestfs config show --config /etc/iquestfs/config.yaml`,
	Args: cobra.NoArgs,
	RunE: runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, source, err := loadConfig(GetConfigFile())
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("%s: %w", source, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", source)
		return nil
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing file")
	configShowCmd.Flags().StringVarP(&showOutput, "output", "o", "yaml", "output format (yaml|json)")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := GetConfigFile()
	if len(args) == 1 {
		path = args[0]
	}
	if path == "" {
		path = defaultConfigPath()
	}
	if fileExists(path) && !initForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := config.NewDefault().SaveToFile(path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Configuration written to %s\n", path)
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig(GetConfigFile())
	if err != nil {
		return err
	}
	return printConfig(cmd.OutOrStdout(), cfg, showOutput)
}

func printConfig(w io.Writer, cfg *config.Configuration, format string) error {
	switch format {
	case "yaml", "":
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
		_, err = w.Write(data)
		return err
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(cfg)
	default:
		return fmt.Errorf("unsupported output format %q (use yaml or json)", format)
	}
}
