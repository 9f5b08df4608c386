package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/keyrouter/internal/core/domain"
	"github.com/vietddude/keyrouter/internal/keypool"
)

var (
	adminURL    string
	adminToken  string
	showCluster bool
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show per-key stats from a running server",
	Run:   runStats,
}

func init() {
	statsCmd.Flags().BoolVar(&showCluster, "cluster", false, "show snapshots of every instance from the shared store")
	rootCmd.PersistentFlags().StringVar(&adminURL, "admin-url", "", "base URL of a running server (overrides server.admin_url)")
	rootCmd.PersistentFlags().StringVar(&adminToken, "admin-token", "", "bearer token for admin routes (overrides server.admin_token)")
	rootCmd.AddCommand(statsCmd)
}

// resolveAdminClient prefers flags and falls back to the config file for
// whatever they leave unset.
func resolveAdminClient() *adminClient {
	url, token := adminURL, adminToken
	if url == "" || token == "" {
		cfg := loadConfig()
		if url == "" {
			url = cfg.Server.AdminURL
		}
		if token == "" {
			token = cfg.Server.AdminToken
		}
	}
	return newAdminClient(url, token)
}

func runStats(cmd *cobra.Command, args []string) {
	client := resolveAdminClient()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if showCluster {
		snaps, err := client.cluster(ctx)
		if err != nil {
			slog.Error("Failed to fetch cluster stats", "error", err)
			os.Exit(1)
		}
		printCluster(os.Stdout, snaps)
		return
	}

	view, err := client.keys(ctx)
	if err != nil {
		slog.Error("Failed to fetch stats", "error", err)
		os.Exit(1)
	}
	printPool(os.Stdout, view)
}

func printPool(out io.Writer, view *poolView) {
	_, _ = fmt.Fprintf(out, "Status: %s (%d/%d healthy)\n\n", view.Status, view.Healthy, view.Total)
	printKeys(out, view.Keys)
}

func printKeys(out io.Writer, keys []keypool.KeyStats) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "KEY\tHEALTHY\tATTEMPTS\tSUCCESS\tFAILED\tRATE\tCONSEC\tAVG MS\tLIMITED UNTIL")

	for _, k := range keys {
		until := "-"
		if k.RateLimitedUntil != nil && k.RateLimited {
			until = k.RateLimitedUntil.Format(time.RFC3339)
		}
		_, _ = fmt.Fprintf(w, "%s\t%t\t%d\t%d\t%d\t%.1f%%\t%d\t%.0f\t%s\n",
			k.Key, k.Healthy, k.Attempts, k.Successes, k.Failures,
			k.SuccessRate*100, k.ConsecutiveFailures, k.AvgLatencyMs, until)
	}
	_ = w.Flush()
}

func printCluster(out io.Writer, snaps []*domain.Snapshot) {
	if len(snaps) == 0 {
		_, _ = fmt.Fprintln(out, "No snapshots in store")
		return
	}
	for _, snap := range snaps {
		_, _ = fmt.Fprintf(out, "Instance %s at %s (%d/%d healthy)\n",
			snap.InstanceID, snap.CapturedAt.Format(time.RFC3339), snap.HealthyCount(), len(snap.Keys))
		printKeys(out, snap.Keys)
		_, _ = fmt.Fprintln(out)
	}
}
