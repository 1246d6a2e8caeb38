package main

import (
	"github.com/spf13/cobra"

	"github.com/copyleftdev/labsearch/internal/config"
)

// newRootCmd builds the command tree. Flag defaults come from cfg, so the
// LABS_* environment variables and the flags set the same values.
func newRootCmd(cfg *config.Config) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "labs",
		Short: "Search for binary sequences with low autocorrelation",
		Long: `labs runs local search over +1/-1 sequences, minimising either the
sidelobe energy (LABS) or the peak sidelobe level (PSL).`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log search progress to stderr")

	rootCmd.AddCommand(newSearchCmd(cfg), newEvalCmd())
	return rootCmd
}

var verbose bool
