package cli

import (
	"encoding/json"
	"fmt"

	"github.com/retailshift/relay/pkg/topology"
	"github.com/spf13/cobra"
)

var topologyOutput string

var topologyCmd = &cobra.Command{
	Use:   "topology [file]",
	Short: "Print or validate a system topology",
	Long: `Topology loads the service graph served on /api/system/topology, validates
it and prints it. Without a file the built-in RetailShift graph is used.`,
	Example: `  # Print the built-in graph as YAML, ready to edit
  retailshift-relay topology > topology.yaml

  # Validate an edited graph
  retailshift-relay topology topology.yaml -o json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runTopology,
}

func init() {
	topologyCmd.Flags().StringVarP(&topologyOutput, "output", "o", "yaml", "output format: yaml, json")
}

func runTopology(cmd *cobra.Command, args []string) error {
	path := ""
	if len(args) == 1 {
		path = args[0]
	}

	topo, err := topology.Load(path)
	if err != nil {
		return err
	}

	var data []byte
	switch topologyOutput {
	case "yaml":
		data, err = topo.Marshal()
	case "json":
		data, err = json.MarshalIndent(topo, "", "  ")
		data = append(data, '\n')
	default:
		return fmt.Errorf("unknown output format %q", topologyOutput)
	}
	if err != nil {
		return err
	}

	_, err = cmd.OutOrStdout().Write(data)
	return err
}
