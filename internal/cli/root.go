// Package cli implements the retailshift-relay command line.
package cli

import (
	"fmt"

	"github.com/retailshift/relay/pkg/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	flags   = viper.New()
)

var rootCmd = &cobra.Command{
	Use:   "retailshift-relay",
	Short: "Real-time relay for RetailShift operations dashboards",
	Long: `retailshift-relay consumes the RetailShift store event topics, keeps a
rolling view of recent events, derived metrics and service health, and streams
every change to connected dashboards over WebSocket.

With no reachable broker it produces synthetic events so the dashboards stay
useful in demos and development.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ./retailshift-relay.yaml, ~/.config/retailshift, /etc/retailshift)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().Bool("log-development", false, "human readable colored logs")

	flags.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	flags.BindPFlag("log.development", rootCmd.PersistentFlags().Lookup("log-development"))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(topologyCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig resolves the configuration with flags taking precedence over
// the environment and the file
func loadConfig() (*config.Config, error) {
	loader := config.NewLoaderWithViper(flags)
	if cfgFile != "" {
		loader = loader.WithConfigFile(cfgFile)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}
