// Package cmd wires the Cobra CLI for the indexerd executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "indexerd",
		Short: "Multi-tenant sitemap indexing worker service.",
		Long: `indexerd keeps a site's search-engine indexing state in sync with
its sitemaps: it scans sitemap trees into canonical URL sets, submits
them to the Google Indexing API and IndexNow, and streams live job
progress to subscribers.`,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	cmd.AddCommand(newServeCmd())
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
