package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var resetLimitsCmd = &cobra.Command{
	Use:   "reset-limits",
	Short: "Clear rate-limit timestamps on every key of a running server",
	Long:  `Clears rate-limit timestamps only. Counters and consecutive failures are kept.`,
	Run:   runResetLimits,
}

func init() {
	rootCmd.AddCommand(resetLimitsCmd)
}

func runResetLimits(cmd *cobra.Command, args []string) {
	client := resolveAdminClient()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := client.resetRateLimits(ctx); err != nil {
		slog.Error("Failed to reset rate limits", "error", err)
		os.Exit(1)
	}
	fmt.Println("Successfully reset rate limits")
}
