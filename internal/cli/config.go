package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/retailshift/relay/pkg/config"
	"github.com/spf13/cobra"
)

var configInitFile string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage relay configuration",
	Long: `Configuration sources, highest priority first:
  1. Command line flags
  2. Environment variables (RETAILSHIFT_*, plus PORT, KAFKA_BOOTSTRAP_SERVERS,
     KAFKA_CONSUMER_GROUP and MOCK_DATA)
  3. Configuration file
  4. Defaults`,
}

var configInitCmd = &cobra.Command{
	Use:   "init [template]",
	Short: "Write a configuration file from a template",
	Example: `  # Kafka on localhost
  retailshift-relay config init

  # Production layout with probes and Redis gauges
  retailshift-relay config init production --file /etc/retailshift/retailshift-relay.yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Display the effective configuration",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the effective configuration",
	Args:  cobra.NoArgs,
	RunE:  runConfigValidate,
}

func init() {
	configInitCmd.Flags().StringVar(&configInitFile, "file", config.ConfigName+".yaml", "output path")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	name := "default"
	if len(args) == 1 {
		name = args[0]
	}
	cfg, err := config.FromTemplate(name)
	if err != nil {
		return fmt.Errorf("%w (available: %s)", err, strings.Join(config.TemplateNames(), ", "))
	}
	if err := cfg.WriteFile(configInitFile); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s configuration to %s\n", name, configInitFile)
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	data, err := cfg.Marshal()
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	_, err := loadConfig()
	if err == nil {
		fmt.Fprintf(out, "%s configuration is valid\n", color.GreenString("✓"))
		return nil
	}

	var verrs config.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	for _, e := range verrs.Errors {
		fmt.Fprintf(out, "%s %s: %s\n", color.RedString("✗"), e.Field, e.Message)
		if len(e.ValidValues) > 0 {
			fmt.Fprintf(out, "    valid values: %s\n", strings.Join(e.ValidValues, ", "))
		}
	}
	if fixes := verrs.GetFixSuggestions(); len(fixes) > 0 {
		fmt.Fprintln(out, "\nSuggested fixes:")
		for _, fix := range fixes {
			fmt.Fprintf(out, "  %s\n", fix)
		}
	}
	return fmt.Errorf("%d configuration errors", verrs.Count())
}
