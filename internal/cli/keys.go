package cli

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vietddude/keyrouter/internal/core/config"
	"github.com/vietddude/keyrouter/internal/keypool"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List configured key slots (masked)",
	Run:   runKeys,
}

func init() {
	rootCmd.AddCommand(keysCmd)
}

func runKeys(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	printSlots(os.Stdout, config.LoadKeySlots(cfg.Keys))
}

func slotStatus(value string, seen map[string]bool) string {
	switch {
	case value == "":
		return "empty"
	case len(value) <= keypool.MinKeyLength:
		return "too short"
	case seen[value]:
		return "duplicate"
	default:
		return "ok"
	}
}

func printSlots(out io.Writer, slots []config.KeySlot) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "SLOT\tSTATUS\tKEY")

	seen := make(map[string]bool)
	usable := 0
	for _, slot := range slots {
		status := slotStatus(slot.Value, seen)
		masked := "-"
		if slot.Value != "" {
			masked = keypool.Mask(slot.Value)
		}
		if status == "ok" {
			seen[slot.Value] = true
			usable++
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", slot.Name, status, masked)
	}
	_ = w.Flush()
	_, _ = fmt.Fprintf(out, "\n%d usable key(s)\n", usable)
}
