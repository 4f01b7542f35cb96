package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bidsflow/bidsflow/internal/admission"
	"github.com/bidsflow/bidsflow/internal/config"
	"github.com/bidsflow/bidsflow/internal/logging"
)

var locksCmd = &cobra.Command{
	Use:   "locks",
	Short: "Show admission slots and their holders",
	Long: `Show which bidsflow instances currently hold admission slots, and
which records belong to processes that are no longer alive. Stale
records are reclaimed automatically on the next run; --reap removes
them immediately.`,
	RunE: runLocks,
}

var locksReap bool

func init() {
	rootCmd.AddCommand(locksCmd)
	locksCmd.Flags().BoolVar(&locksReap, "reap", false, "Remove stale lock records now")
}

func runLocks(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctrl := admission.NewController(config.ExpandPath(cfg.Paths.LockDir), cfg.Admission.Limit, logging.NopLogger())

	if locksReap {
		n, err := ctrl.Reap()
		if err != nil {
			return err
		}
		fmt.Printf("reclaimed %d stale slot(s)\n", n)
	}

	live, stale, err := ctrl.Snapshot()
	if err != nil {
		return err
	}

	fmt.Printf("%d of %d slots in use\n", len(live), ctrl.Limit())
	for _, rec := range live {
		fmt.Printf("  live   pid %-7d %s@%s  %s/%s  participants %v  since %s\n",
			rec.PID, rec.User, rec.Hostname, rec.Dataset, rec.Tool,
			rec.Participants, rec.StartedAt.Local().Format("2006-01-02 15:04:05"))
	}
	for _, rec := range stale {
		fmt.Printf("  stale  pid %-7d %s@%s  %s/%s  (process gone)\n",
			rec.PID, rec.User, rec.Hostname, rec.Dataset, rec.Tool)
	}
	return nil
}
