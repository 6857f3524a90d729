// Package cli provides the command-line interface for the annotator server.
package cli

import (
	"github.com/raphaelgruber/annotator/internal/client"
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	serverURL string
	verbose   bool

	apiClient *client.Client
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "annotator",
	Short: "Batch AI annotation client",
	Long: `Annotator drives batch annotation jobs on an annotator server.

Create and run batch jobs over catalog nodes, follow their progress,
inspect per-item results, review annotation quality and track
model usage and cost.

The server is taken from --server, ANNOTATOR_SERVER_URL or
http://localhost:8484.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}
		apiClient = client.New(serverURL)
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "annotator server URL")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(usageCmd)
	rootCmd.AddCommand(modelsCmd)
	rootCmd.AddCommand(reviewCmd)
}
