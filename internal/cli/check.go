package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/retailshift/relay/internal/server"
	"github.com/retailshift/relay/pkg/domain"
	"github.com/spf13/cobra"
)

var (
	checkURL     string
	checkTimeout time.Duration
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check a running relay",
	Long: `Check queries the health and system state endpoints of a running relay
and prints the status of every registered service, database and the message
bus.`,
	Example: `  # Check the relay on the configured port
  retailshift-relay check

  # Check a remote relay
  retailshift-relay check --url http://relay.internal:3001`,
	Args: cobra.NoArgs,
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().StringVar(&checkURL, "url", "", "relay base URL (default http://localhost:<server.port>)")
	checkCmd.Flags().DurationVar(&checkTimeout, "timeout", 5*time.Second, "request timeout")
}

// styles used by check output
var (
	styleOK   = color.New(color.FgGreen, color.Bold).SprintFunc()
	styleWarn = color.New(color.FgYellow).SprintFunc()
	styleErr  = color.New(color.FgRed, color.Bold).SprintFunc()
	styleDim  = color.New(color.FgHiBlack).SprintFunc()
)

func runCheck(cmd *cobra.Command, args []string) error {
	base := checkURL
	if base == "" {
		port := 3001
		if cfg, err := loadConfig(); err == nil {
			port = cfg.Server.Port
		}
		base = fmt.Sprintf("http://localhost:%d", port)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), checkTimeout)
	defer cancel()

	healthy, err := checkRelay(ctx, http.DefaultClient, base, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	if !healthy {
		return fmt.Errorf("relay at %s reports unhealthy components", base)
	}
	return nil
}

// checkRelay prints the relay status to w. It reports false when any
// component is in the error state.
func checkRelay(ctx context.Context, client *http.Client, base string, w io.Writer) (bool, error) {
	base = strings.TrimRight(base, "/")

	var h server.HealthResponse
	if err := getJSON(ctx, client, base+"/api/health", &h); err != nil {
		fmt.Fprintf(w, "%s relay at %s is not reachable\n", styleErr("✗"), base)
		return false, err
	}
	fmt.Fprintf(w, "%s relay at %s: %s\n", styleOK("✓"), base, h.Status)

	var state domain.SystemState
	if err := getJSON(ctx, client, base+"/api/system/state", &state); err != nil {
		return false, err
	}

	healthy := true
	line := func(kind, id, name string, status domain.ServiceStatus) {
		if status == domain.StatusError {
			healthy = false
		}
		fmt.Fprintf(w, "  %-8s %-24s %-10s %s\n", kind, id, statusLabel(status), styleDim(name))
	}

	fmt.Fprintln(w)
	for _, s := range state.Services {
		line("service", s.ID, s.Name, s.Status)
	}
	for _, d := range state.Databases {
		line("database", d.ID, d.Name+" ("+d.Type+")", d.Status)
	}
	line("bus", "kafka", fmt.Sprintf("%d brokers, %d topics", state.KafkaStatus.Brokers, state.KafkaStatus.Topics),
		state.KafkaStatus.Status)

	m := state.Metrics
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  transactions %d (%.1f/s, %.2f total, %d items)\n",
		m.Transactions.Count, m.Transactions.Rate, m.Transactions.Amount, m.Transactions.Items)
	fmt.Fprintf(w, "  inventory    %d updates, %d low stock, %d items\n",
		m.Inventory.Updates, m.Inventory.LowStock, m.Inventory.Count)
	fmt.Fprintf(w, "  customers    %d events, %d active\n", m.Customers.Count, m.Customers.Active)

	return healthy, nil
}

func statusLabel(s domain.ServiceStatus) string {
	switch s {
	case domain.StatusActive:
		return styleOK(string(s))
	case domain.StatusWarning:
		return styleWarn(string(s))
	case domain.StatusError:
		return styleErr(string(s))
	default:
		return styleDim(string(s))
	}
}

func getJSON(ctx context.Context, client *http.Client, url string, v interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: unexpected status %s", url, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("GET %s: failed to decode response: %w", url, err)
	}
	return nil
}
