package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/bidsflow/bidsflow/internal/config"
	"github.com/bidsflow/bidsflow/internal/job"
	"github.com/bidsflow/bidsflow/internal/results"
)

var resultsCmd = &cobra.Command{
	Use:   "results",
	Short: "Show recorded per-participant outcomes",
	RunE:  runResults,
}

var (
	resultsTail    int
	resultsDataset string
)

func init() {
	rootCmd.AddCommand(resultsCmd)
	resultsCmd.Flags().IntVarP(&resultsTail, "tail", "n", 20, "Number of entries to show (0 for all)")
	resultsCmd.Flags().StringVarP(&resultsDataset, "dataset", "d", "", "Only show entries for this dataset")
}

func runResults(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	path := filepath.Join(config.ExpandPath(cfg.Paths.ResultsDir), results.LogFileName)
	entries, err := results.ReadAll(path)
	if err != nil {
		return err
	}

	var outcomes []job.Outcome
	for _, e := range entries {
		if resultsDataset != "" && e.Dataset != resultsDataset {
			continue
		}
		outcomes = append(outcomes, e.Outcome)
	}
	if resultsTail > 0 && len(outcomes) > resultsTail {
		outcomes = outcomes[len(outcomes)-resultsTail:]
	}
	if len(outcomes) == 0 {
		fmt.Println("no recorded results")
		return nil
	}

	printSummary(outcomes)
	return nil
}

// printSummary writes the outcome table to stdout, styled and capped to
// the terminal width when stdout is a TTY.
func printSummary(outcomes []job.Outcome) {
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		results.WriteSummary(os.Stdout, outcomes, false)
		return
	}
	width, _, err := term.GetSize(fd)
	if err != nil {
		width = 0
	}
	results.WriteSummaryWidth(os.Stdout, outcomes, true, width)
}
