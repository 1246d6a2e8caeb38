package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/copyleftdev/labsearch/internal/optimization"
	"github.com/copyleftdev/labsearch/internal/optimization/labs"
)

func newEvalCmd() *cobra.Command {
	var showCorrelations bool

	cmd := &cobra.Command{
		Use:   "eval <sequence>",
		Short: "Score a sequence given as +/- glyphs or a list of 1 and -1",
		Example: `  labs eval +++++--++-+-+
  labs eval -- 1 1 1 -1
  labs eval -- -+++`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seq, err := optimization.ParseSequence(strings.Join(args, " "))
			if err != nil {
				return err
			}
			if len(seq) < 2 {
				return optimization.WrapErrorf(optimization.ErrInvalidLength, "length %d", len(seq))
			}

			cache := labs.FullEval(seq)
			energy := labs.EnergyScorer{}.Score(cache.View())
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "length:       %d\n", len(seq))
			fmt.Fprintf(out, "energy:       %d\n", energy)
			fmt.Fprintf(out, "psl:          %d\n", labs.PSLScorer{}.Score(cache.View()))
			fmt.Fprintf(out, "merit factor: %.4f\n", labs.MeritFactor(len(seq), energy))
			if showCorrelations {
				fmt.Fprintf(out, "correlations: %v\n", cache.Correlations()[1:])
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&showCorrelations, "correlations", "c", false, "print C_1 .. C_{L-1}")
	return cmd
}
