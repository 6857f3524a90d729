package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/raphaelgruber/annotator/internal/models"
	"github.com/raphaelgruber/annotator/internal/quality"
	"github.com/spf13/cobra"
)

var (
	reviewBatch    string
	reviewReviewer string
	reviewScore    int
	reviewComments string
	reviewStatus   string
	reviewLimit    int
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Manage annotation QA reviews",
}

var reviewCreateCmd = &cobra.Command{
	Use:   "create <node-id>",
	Short: "Open a QA review for a node",
	Long: `Open a pending QA review for a catalog node.

Examples:
  annotator review create sales.orders
  annotator review create sales.orders --batch 0191... --score 80 --reviewer sam`,
	Args: cobra.ExactArgs(1),
	RunE: runReviewCreate,
}

var reviewUpdateCmd = &cobra.Command{
	Use:   "update <review-id>",
	Short: "Change a review's status, reviewer, score or comments",
	Long: `Change a review. Only the flags given are updated.

Examples:
  annotator review update 0191... --status approved --reviewer sam
  annotator review update 0191... --status needs_revision --comments "missing PII class"`,
	Args: cobra.ExactArgs(1),
	RunE: runReviewUpdate,
}

var reviewListCmd = &cobra.Command{
	Use:   "list",
	Short: "List reviews, newest first",
	Args:  cobra.NoArgs,
	RunE:  runReviewList,
}

var reviewDashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Show review totals, average score and recent reviews",
	Args:  cobra.NoArgs,
	RunE:  runReviewDashboard,
}

func init() {
	reviewCreateCmd.Flags().StringVar(&reviewBatch, "batch", "", "batch job the node was annotated in")
	reviewCreateCmd.Flags().StringVar(&reviewReviewer, "reviewer", "", "reviewer name")
	reviewCreateCmd.Flags().IntVar(&reviewScore, "score", 0, "quality score 0-100")
	reviewCreateCmd.Flags().StringVar(&reviewComments, "comments", "", "review comments")

	reviewUpdateCmd.Flags().StringVar(&reviewStatus, "status", "", "approved, rejected or needs_revision")
	reviewUpdateCmd.Flags().StringVar(&reviewReviewer, "reviewer", "", "reviewer name")
	reviewUpdateCmd.Flags().IntVar(&reviewScore, "score", 0, "quality score 0-100")
	reviewUpdateCmd.Flags().StringVar(&reviewComments, "comments", "", "review comments")

	reviewListCmd.Flags().StringVar(&reviewBatch, "batch", "", "filter by batch job")
	reviewListCmd.Flags().StringVar(&reviewStatus, "status", "", "filter by status")
	reviewListCmd.Flags().IntVarP(&reviewLimit, "limit", "n", 50, "max results")

	reviewCmd.AddCommand(reviewCreateCmd)
	reviewCmd.AddCommand(reviewUpdateCmd)
	reviewCmd.AddCommand(reviewListCmd)
	reviewCmd.AddCommand(reviewDashboardCmd)
}

func runReviewCreate(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	req := quality.CreateReviewRequest{NodeID: args[0], BatchID: reviewBatch}
	flags := cmd.Flags()
	if flags.Changed("reviewer") {
		req.Reviewer = &reviewReviewer
	}
	if flags.Changed("score") {
		req.QualityScore = &reviewScore
	}
	if flags.Changed("comments") {
		req.Comments = &reviewComments
	}

	review, err := apiClient.CreateReview(ctx, req)
	if err != nil {
		return fmt.Errorf("create review: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created review %s for %s\n", review.ID, review.NodeID)
	return nil
}

func runReviewUpdate(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	var req quality.UpdateReviewRequest
	flags := cmd.Flags()
	if flags.Changed("status") {
		status := models.ReviewStatus(reviewStatus)
		if !status.Valid() {
			return fmt.Errorf("unknown review status %q", reviewStatus)
		}
		req.Status = &status
	}
	if flags.Changed("reviewer") {
		req.Reviewer = &reviewReviewer
	}
	if flags.Changed("score") {
		req.QualityScore = &reviewScore
	}
	if flags.Changed("comments") {
		req.Comments = &reviewComments
	}
	if req == (quality.UpdateReviewRequest{}) {
		return errors.New("nothing to update: pass --status, --reviewer, --score or --comments")
	}

	review, err := apiClient.UpdateReview(ctx, args[0], req)
	if err != nil {
		return fmt.Errorf("update review: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Review %s is %s\n", review.ID, review.Status)
	return nil
}

func runReviewList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	reviews, err := apiClient.ListReviews(ctx, quality.ReviewFilter{
		BatchID: reviewBatch,
		Status:  models.ReviewStatus(reviewStatus),
		Limit:   reviewLimit,
	})
	if err != nil {
		return fmt.Errorf("list reviews: %w", err)
	}
	if len(reviews) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No reviews found")
		return nil
	}
	return printReviews(cmd.OutOrStdout(), reviews)
}

func runReviewDashboard(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	out := cmd.OutOrStdout()

	dash, err := apiClient.GetDashboard(ctx)
	if err != nil {
		return fmt.Errorf("get dashboard: %w", err)
	}

	fmt.Fprintf(out, "Reviews: %d\n", dash.Total)
	for _, s := range models.ReviewStatuses {
		fmt.Fprintf(out, "  %-15s %d\n", s, dash.ByStatus[s])
	}
	if dash.AverageScore != nil {
		fmt.Fprintf(out, "Average score: %.1f\n", *dash.AverageScore)
	}

	if len(dash.Trends) > 0 {
		fmt.Fprintf(out, "\nTrend:\n")
		for _, p := range dash.Trends {
			fmt.Fprintf(out, "  %s  %3d reviewed, %3d approved\n", p.Date, p.Reviews, p.Approved)
		}
	}

	if len(dash.IssueDistribution) > 0 {
		fmt.Fprintf(out, "\nIssues:\n")
		issues := make([]string, 0, len(dash.IssueDistribution))
		for issue := range dash.IssueDistribution {
			issues = append(issues, issue)
		}
		sort.Strings(issues)
		for _, issue := range issues {
			fmt.Fprintf(out, "  %-25s %d\n", issue, dash.IssueDistribution[issue])
		}
	}

	if len(dash.Recent) > 0 {
		fmt.Fprintf(out, "\nRecent:\n")
		return printReviews(out, dash.Recent)
	}
	return nil
}

func printReviews(w io.Writer, reviews []models.QAReview) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNODE\tSTATUS\tSCORE\tREVIEWER\tCREATED")
	for _, r := range reviews {
		score, reviewer := "-", "-"
		if r.QualityScore != nil {
			score = fmt.Sprint(*r.QualityScore)
		}
		if r.Reviewer != nil {
			reviewer = *r.Reviewer
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.NodeID, r.Status, score, reviewer, r.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	return tw.Flush()
}
