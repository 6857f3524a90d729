package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/raphaelgruber/annotator/internal/client"
	"github.com/raphaelgruber/annotator/internal/ledger"
	"github.com/raphaelgruber/annotator/internal/metrics"
	"github.com/spf13/cobra"
)

var (
	usagePeriod   string
	usageDetailed bool
)

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show model usage and cost",
	Long: `Show model usage and cost for the last day, week or month.

Examples:
  annotator usage
  annotator usage --period week
  annotator usage --detailed`,
	Args: cobra.NoArgs,
	RunE: runUsage,
}

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Compare provider models",
}

var modelsCompareCmd = &cobra.Command{
	Use:   "compare [model...]",
	Short: "Score models on speed, accuracy, cost and reliability",
	Long: `Score models on speed, accuracy, cost and reliability, best first.
Without arguments every model with recorded usage is ranked.

Examples:
  annotator models compare
  annotator models compare gpt-4o-mini claude-3-5-haiku-latest`,
	RunE: runModelsCompare,
}

func init() {
	usageCmd.Flags().StringVar(&usagePeriod, "period", string(ledger.PeriodDay), "day, week or month")
	usageCmd.Flags().BoolVar(&usageDetailed, "detailed", false, "show all-time per-model records")

	modelsCmd.AddCommand(modelsCompareCmd)
}

func runUsage(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	out := cmd.OutOrStdout()

	breakdown, err := apiClient.GetUsage(ctx, usagePeriod)
	if err != nil {
		return fmt.Errorf("get usage: %w", err)
	}
	printBreakdown(out, breakdown)

	if !usageDetailed {
		return nil
	}

	records, err := apiClient.ListUsageRecords(ctx)
	if err != nil {
		return fmt.Errorf("get usage records: %w", err)
	}
	fmt.Fprintf(out, "\nAll-time records:\n")
	if len(records) == 0 {
		fmt.Fprintln(out, "  none")
	} else {
		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "  MODEL\tPROVIDER\tREQUESTS\tSUCCESS\tCACHED\tAVG MS\tTOKENS\tCOST")
		for _, r := range records {
			fmt.Fprintf(tw, "  %s\t%s\t%d\t%.1f%%\t%d\t%.0f\t%d\t$%.4f\n",
				r.Model, r.Provider, r.TotalRequests, r.SuccessRate*100, r.CachedRequests, r.AverageDurationMs, r.TotalTokens, r.TotalCost)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	stats, err := apiClient.ServerStats(ctx)
	if errors.Is(err, client.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get server stats: %w", err)
	}
	fmt.Fprintln(out)
	printServerStats(out, stats)
	return nil
}

// printServerStats displays server runtime statistics.
func printServerStats(w io.Writer, stats *metrics.Snapshot) {
	fmt.Fprintf(w, "Server Statistics (in-memory, since restart)\n")
	fmt.Fprintf(w, "═══════════════════════════════════════════════\n")
	fmt.Fprintf(w, "Uptime: %.1f seconds\n", stats.UptimeSeconds)

	for _, op := range stats.Operations {
		fmt.Fprintf(w, "\n%s:\n", op.Name)
		fmt.Fprintf(w, "  Calls: %d, Total: %dms\n", op.Count, op.TotalTimeMs)
		fmt.Fprintf(w, "  Time: avg %.1fms, min %dms, max %dms\n", op.AvgTimeMs, op.MinTimeMs, op.MaxTimeMs)
		if op.TotalTokens != nil {
			fmt.Fprintf(w, "  Tokens: %d total", *op.TotalTokens)
			if op.AvgTokens != nil {
				fmt.Fprintf(w, ", avg %.0f", *op.AvgTokens)
			}
			if op.MinTokens != nil && op.MaxTokens != nil {
				fmt.Fprintf(w, ", min %d, max %d", *op.MinTokens, *op.MaxTokens)
			}
			fmt.Fprintln(w)
		}
	}
}

func printBreakdown(w io.Writer, b *ledger.CostBreakdown) {
	fmt.Fprintf(w, "Usage (%s, since %s)\n", b.Period, b.Since.Local().Format("2006-01-02 15:04"))
	fmt.Fprintf(w, "═══════════════════════════════════════\n\n")
	fmt.Fprintf(w, "Requests: %d\n", b.TotalRequests)
	fmt.Fprintf(w, "Tokens:   %d\n", b.TotalTokens)
	fmt.Fprintf(w, "Cost:     $%.4f\n", b.TotalCost)

	if len(b.Models) == 0 {
		return
	}
	fmt.Fprintf(w, "\nBy Model:\n")
	for _, m := range b.Models {
		pct := 0.0
		if b.TotalCost > 0 {
			pct = m.Cost / b.TotalCost * 100
		}
		fmt.Fprintf(w, "  %-30s %-10s %6d req  $%.4f (%5.1f%%)\n", m.Model, m.Provider, m.Requests, m.Cost, pct)
	}
}

func runModelsCompare(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	scores, err := apiClient.CompareModels(ctx, args...)
	if err != nil {
		return fmt.Errorf("compare models: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(scores) == 0 {
		fmt.Fprintln(out, "No model usage recorded yet")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "MODEL\tOVERALL\tSPEED\tACCURACY\tCOST\tRELIABILITY\tREQUESTS")
	for _, s := range scores {
		fmt.Fprintf(tw, "%s\t%.1f\t%.1f\t%.1f\t%.1f\t%.1f\t%d\n",
			s.Model, s.Overall, s.Speed, s.Accuracy, s.Cost, s.Reliability, s.TotalRequests)
	}
	return tw.Flush()
}
