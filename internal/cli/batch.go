package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/raphaelgruber/annotator/internal/batch"
	"github.com/raphaelgruber/annotator/internal/models"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	createFile        string
	createName        string
	createDescription string
	createOperation   string
	createModel       string
	createTemperature float64
	createMaxTokens   int
	createBatchSize   int
	createRetries     int
	createTimeout     time.Duration
	createPriority    string
	createParallel    int
	createReviews     bool
	createFilter      []string
	createRun         bool
	batchWait         bool

	listOperation string
	listStatus    string
	listSince     string
	listLimit     int
	listOffset    int

	cleanupDays int
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Create, run and inspect batch jobs",
}

var batchCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a batch job",
	Long: `Create a batch job. Options can come from flags or a YAML file; flags
override values read from the file.

Examples:
  annotator batch create --model gpt-4o-mini --filter schema=sales
  annotator batch create --operation validate --model llama3.2 --priority high --run
  annotator batch create -f nightly.yaml --wait`,
	Args: cobra.NoArgs,
	RunE: runBatchCreate,
}

var batchListCmd = &cobra.Command{
	Use:   "list",
	Short: "List batch jobs, newest first",
	Long: `List batch jobs with optional filtering.

Examples:
  annotator batch list
  annotator batch list --status failed --since 2025-01-01
  annotator batch list --operation annotate -n 10 --offset 10`,
	Args: cobra.NoArgs,
	RunE: runBatchList,
}

var batchShowCmd = &cobra.Command{
	Use:   "show <batch-id>",
	Short: "Show a batch job with its results and summary",
	Args:  cobra.ExactArgs(1),
	RunE:  runBatchShow,
}

var batchRunCmd = &cobra.Command{
	Use:   "run <batch-id>",
	Short: "Queue a pending batch job",
	Args:  cobra.ExactArgs(1),
	RunE:  runBatchRun,
}

var batchCancelCmd = &cobra.Command{
	Use:   "cancel <batch-id>",
	Short: "Cancel a pending or running batch job",
	Args:  cobra.ExactArgs(1),
	RunE:  runBatchCancel,
}

var batchCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete batch jobs older than --days",
	Args:  cobra.NoArgs,
	RunE:  runBatchCleanup,
}

func init() {
	f := batchCreateCmd.Flags()
	f.StringVarP(&createFile, "file", "f", "", "YAML file with the batch request")
	f.StringVar(&createName, "name", "", "job name")
	f.StringVar(&createDescription, "description", "", "job description")
	f.StringVar(&createOperation, "operation", string(models.OperationAnnotate), "operation kind")
	f.StringVarP(&createModel, "model", "m", "", "provider model")
	f.Float64Var(&createTemperature, "temperature", 0, "sampling temperature")
	f.IntVar(&createMaxTokens, "max-tokens", 0, "max output tokens per item")
	f.IntVar(&createBatchSize, "batch-size", 0, "items between persisted progress snapshots")
	f.IntVar(&createRetries, "retries", -1, "retry attempts per item (-1 uses the server default)")
	f.DurationVar(&createTimeout, "timeout", 0, "per-call provider timeout")
	f.StringVar(&createPriority, "priority", "", "low, normal, high or urgent")
	f.IntVarP(&createParallel, "parallel", "p", 0, "parallel provider requests")
	f.BoolVar(&createReviews, "reviews", false, "open a QA review for every annotated item")
	f.StringSliceVar(&createFilter, "filter", nil, "item filter as key=value (repeatable)")
	f.BoolVar(&createRun, "run", false, "queue the job immediately")
	f.BoolVarP(&batchWait, "wait", "w", false, "queue the job and show progress until it finishes")

	batchRunCmd.Flags().BoolVarP(&batchWait, "wait", "w", false, "show progress until the job finishes")

	batchListCmd.Flags().StringVar(&listOperation, "operation", "", "filter by operation")
	batchListCmd.Flags().StringVar(&listStatus, "status", "", "filter by status")
	batchListCmd.Flags().StringVar(&listSince, "since", "", "only jobs created after (RFC 3339, YYYY-MM-DD or duration like 24h)")
	batchListCmd.Flags().IntVarP(&listLimit, "limit", "n", 20, "max results")
	batchListCmd.Flags().IntVar(&listOffset, "offset", 0, "skip this many jobs")

	batchCleanupCmd.Flags().IntVar(&cleanupDays, "days", 0, "keep jobs newer than this many days (0 uses the server default)")

	batchCmd.AddCommand(batchCreateCmd)
	batchCmd.AddCommand(batchListCmd)
	batchCmd.AddCommand(batchShowCmd)
	batchCmd.AddCommand(batchRunCmd)
	batchCmd.AddCommand(batchCancelCmd)
	batchCmd.AddCommand(batchCleanupCmd)
}

func runBatchCreate(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	req, err := buildCreateRequest(cmd)
	if err != nil {
		return err
	}

	job, err := apiClient.CreateBatch(ctx, req, createRun || batchWait)
	if err != nil {
		return fmt.Errorf("create batch: %w", err)
	}

	if batchWait {
		fmt.Fprintf(cmd.OutOrStdout(), "Created batch %s\n", job.ID)
		return RunBatchProgress(apiClient, job)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Created batch %s (%s, %s)\n", job.ID, job.Operation, job.Status)
	if createRun {
		fmt.Fprintf(cmd.OutOrStdout(), "Queued. Use 'annotator batch show %s' to check status.\n", job.ID)
	}
	return nil
}

// buildCreateRequest reads --file first and lets explicitly set flags override it.
func buildCreateRequest(cmd *cobra.Command) (batch.CreateRequest, error) {
	var req batch.CreateRequest
	if createFile != "" {
		data, err := os.ReadFile(createFile)
		if err != nil {
			return req, fmt.Errorf("read %s: %w", createFile, err)
		}
		if err := yaml.Unmarshal(data, &req); err != nil {
			return req, fmt.Errorf("parse %s: %w", createFile, err)
		}
	}

	flags := cmd.Flags()
	if flags.Changed("name") {
		req.Name = createName
	}
	if flags.Changed("description") {
		req.Description = createDescription
	}
	if flags.Changed("operation") || req.Operation == "" {
		req.Operation = models.OperationKind(createOperation)
	}
	if flags.Changed("model") {
		req.Options.Model = createModel
	}
	if flags.Changed("temperature") {
		req.Options.Temperature = createTemperature
	}
	if flags.Changed("max-tokens") {
		req.Options.MaxTokens = createMaxTokens
	}
	if flags.Changed("batch-size") {
		req.Options.BatchSize = createBatchSize
	}
	if flags.Changed("retries") && createRetries >= 0 {
		n := createRetries
		req.Options.RetryAttempts = &n
	}
	if flags.Changed("timeout") {
		req.Options.TimeoutMs = createTimeout.Milliseconds()
	}
	if flags.Changed("priority") {
		req.Options.Priority = models.Priority(createPriority)
	}
	if flags.Changed("parallel") {
		req.Options.ParallelRequests = createParallel
	}
	if flags.Changed("reviews") {
		req.Options.CreateReviews = createReviews
	}
	if len(createFilter) > 0 {
		if req.Filter == nil {
			req.Filter = make(map[string]any, len(createFilter))
		}
		for _, kv := range createFilter {
			k, v, ok := strings.Cut(kv, "=")
			if !ok || k == "" {
				return req, fmt.Errorf("invalid filter %q: want key=value", kv)
			}
			req.Filter[k] = v
		}
	}

	if err := req.Validate(); err != nil {
		return req, err
	}
	return req, nil
}

func runBatchList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	f := batch.HistoryFilter{
		Operation: models.OperationKind(listOperation),
		Status:    models.BatchStatus(listStatus),
		Limit:     listLimit,
		Offset:    listOffset,
	}
	if listSince != "" {
		since, err := parseSince(listSince, time.Now())
		if err != nil {
			return err
		}
		f.Since = since
	}

	page, err := apiClient.ListBatches(ctx, f)
	if err != nil {
		return fmt.Errorf("list batches: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(page.Jobs) == 0 {
		fmt.Fprintln(out, "No batch jobs found")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tOPERATION\tSTATUS\tPROGRESS\tCREATED")
	for _, job := range page.Jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			job.ID, job.Name, job.Operation, job.Status, progressText(job), job.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if shown := page.Offset + len(page.Jobs); shown < page.Total {
		fmt.Fprintf(out, "\nShowing %d-%d of %d (use --offset %d for more)\n", page.Offset+1, shown, page.Total, shown)
	}
	return nil
}

func runBatchShow(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	res, err := apiClient.GetBatch(ctx, args[0])
	if err != nil {
		return fmt.Errorf("get batch: %w", err)
	}
	printBatch(cmd.OutOrStdout(), res, verbose)
	return nil
}

func runBatchRun(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	id := args[0]

	if err := apiClient.RunBatch(ctx, id); err != nil {
		return fmt.Errorf("run batch: %w", err)
	}
	if !batchWait {
		fmt.Fprintf(cmd.OutOrStdout(), "Queued batch %s\n", id)
		return nil
	}

	res, err := apiClient.GetBatch(ctx, id)
	if err != nil {
		return fmt.Errorf("get batch: %w", err)
	}
	return RunBatchProgress(apiClient, res.Job)
}

func runBatchCancel(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cancelled, err := apiClient.CancelBatch(ctx, args[0])
	if err != nil {
		return fmt.Errorf("cancel batch: %w", err)
	}
	if cancelled {
		fmt.Fprintf(cmd.OutOrStdout(), "Cancelled batch %s\n", args[0])
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "Batch %s already finished\n", args[0])
	}
	return nil
}

func runBatchCleanup(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	if cleanupDays < 0 {
		return errors.New("--days must not be negative")
	}
	n, err := apiClient.CleanupBatches(ctx, cleanupDays)
	if err != nil {
		return fmt.Errorf("cleanup batches: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d batch job(s)\n", n)
	return nil
}

// parseSince accepts RFC 3339, YYYY-MM-DD, Go durations and day counts like "7d".
func parseSince(s string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation(time.DateOnly, s, time.Local); err == nil {
		return t, nil
	}
	if days, ok := strings.CutSuffix(s, "d"); ok {
		var n int
		if _, err := fmt.Sscanf(days, "%d", &n); err == nil && n >= 0 {
			return now.AddDate(0, 0, -n), nil
		}
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return time.Time{}, fmt.Errorf("invalid --since %q", s)
	}
	return now.Add(-d), nil
}

func progressText(job *models.BatchJob) string {
	if job.TotalItems == 0 {
		return "-"
	}
	return fmt.Sprintf("%d/%d", job.ProcessedItems, job.TotalItems)
}

func printBatch(w io.Writer, res *batch.BatchWithResults, withPayloads bool) {
	job := res.Job
	fmt.Fprintf(w, "Batch: %s\n", job.ID)
	if job.Name != "" {
		fmt.Fprintf(w, "  Name: %s\n", job.Name)
	}
	fmt.Fprintf(w, "  Operation: %s\n", job.Operation)
	fmt.Fprintf(w, "  Status: %s\n", job.Status)
	fmt.Fprintf(w, "  Model: %s (priority %s)\n", job.Options.Model, job.Options.Priority)
	fmt.Fprintf(w, "  Progress: %s (%.0f%%)\n", progressText(job), job.Progress*100)
	fmt.Fprintf(w, "  Created: %s\n", job.CreatedAt.Format(time.RFC3339))
	if job.StartedAt != nil {
		fmt.Fprintf(w, "  Started: %s\n", job.StartedAt.Format(time.RFC3339))
	}
	if job.CompletedAt != nil {
		fmt.Fprintf(w, "  Completed: %s\n", job.CompletedAt.Format(time.RFC3339))
		if job.StartedAt != nil {
			fmt.Fprintf(w, "  Duration: %s\n", job.CompletedAt.Sub(*job.StartedAt).Round(time.Millisecond))
		}
	}
	if job.Error != "" {
		fmt.Fprintf(w, "  Error: %s\n", job.Error)
	}

	s := res.Summary
	fmt.Fprintln(w, "\nSummary:")
	fmt.Fprintf(w, "  Items: %d processed, %d successful, %d failed, %d cached\n", s.Processed, s.Successful, s.Failed, s.Cached)
	fmt.Fprintf(w, "  Retries: %d\n", s.TotalRetries)
	fmt.Fprintf(w, "  Tokens: %d, cost $%.4f\n", s.TotalTokens, s.TotalCostUSD)
	fmt.Fprintf(w, "  Duration: p50 %dms, p95 %dms, p99 %dms\n", s.DurationP50Ms, s.DurationP95Ms, s.DurationP99Ms)
	if s.AverageConfidence != nil {
		fmt.Fprintf(w, "  Avg confidence: %.2f\n", *s.AverageConfidence)
	}
	if s.AverageQualityScore != nil {
		fmt.Fprintf(w, "  Avg quality: %.1f\n", *s.AverageQualityScore)
	}

	if len(res.Results) == 0 {
		return
	}
	fmt.Fprintf(w, "\nResults (%d):\n", len(res.Results))
	for _, r := range res.Results {
		switch o := r.Outcome.(type) {
		case models.Success:
			tag := ""
			if o.Cached {
				tag = " (cached)"
			}
			fmt.Fprintf(w, "  ✓ %s%s %dms", r.NodeID, tag, r.DurationMs)
			if r.QualityScore != nil {
				fmt.Fprintf(w, " quality=%d", *r.QualityScore)
			}
			fmt.Fprintln(w)
			if withPayloads {
				fmt.Fprintf(w, "      %s\n", o.Payload)
			}
		case models.Failure:
			fmt.Fprintf(w, "  ✗ %s [%s] %s (retries %d)\n", r.NodeID, o.Kind, o.Message, r.Retries)
		}
	}
}
