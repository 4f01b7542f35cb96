package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/bidsflow/bidsflow/internal/config"
	"github.com/bidsflow/bidsflow/internal/hpc"
	"github.com/bidsflow/bidsflow/internal/logging"
)

var hpcCmd = &cobra.Command{
	Use:   "hpc",
	Short: "Inspect jobs submitted to the cluster",
}

var hpcStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Poll the scheduler for submitted-job states",
	Long: `Poll the SLURM scheduler for the state of jobs submitted by
bidsflow and update the local job store. Without --job, every
non-terminal job in the store is polled.

Interrupting the poll only stops the local check; remote jobs keep
running under the queue's control.`,
	RunE: runHPCStatus,
}

var (
	hpcStatusJob   string
	hpcStatusAll   bool
	hpcStatusPrune bool
)

func init() {
	rootCmd.AddCommand(hpcCmd)
	hpcCmd.AddCommand(hpcStatusCmd)

	hpcStatusCmd.Flags().StringVar(&hpcStatusJob, "job", "", "Poll a single job ID")
	hpcStatusCmd.Flags().BoolVar(&hpcStatusAll, "all", false, "Poll terminal jobs too")
	hpcStatusCmd.Flags().BoolVar(&hpcStatusPrune, "prune", false, "Drop terminal jobs from the store after polling")
}

// pollConcurrency bounds parallel scheduler queries so a large store
// does not open dozens of ssh connections at once.
const pollConcurrency = 4

func runHPCStatus(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.RequireHPC(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := hpc.NewClient(cfg.HPC.User, cfg.HPC.Host, config.ExpandPath(cfg.HPC.Keyfile), cfg.HPC.Gateway, logging.NopLogger())
	store := hpc.NewStore(filepath.Join(config.StateDir(), hpc.StoreFileName))

	records, err := store.All()
	if err != nil {
		return err
	}

	var targets []*hpc.JobRecord
	for _, rec := range records {
		if hpcStatusJob != "" && rec.JobID != hpcStatusJob {
			continue
		}
		if hpcStatusJob == "" && !hpcStatusAll && terminalState(rec.State) {
			continue
		}
		targets = append(targets, rec)
	}
	if hpcStatusJob != "" && len(targets) == 0 {
		return fmt.Errorf("job %s is not in the local store", hpcStatusJob)
	}
	if len(targets) == 0 {
		fmt.Println("no jobs to poll")
		return nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(pollConcurrency)
	for _, rec := range targets {
		rec := rec
		g.Go(func() error {
			info, ok, err := client.JobStatus(gctx, rec.JobID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				return fmt.Errorf("poll job %s: %w", rec.JobID, err)
			case !ok:
				rec.State = "UNKNOWN"
				rec.Reason = "scheduler has no record of this job"
			default:
				_, reason := info.Outcome()
				rec.State = info.State
				rec.Reason = reason
			}
			return store.UpdateState(rec.JobID, rec.State, rec.Reason)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, rec := range targets {
		line := fmt.Sprintf("%-10s %-12s %-20s %s", rec.JobID, rec.Tool, "sub-"+rec.Participant, rec.State)
		if rec.Reason != "" {
			line += "  (" + rec.Reason + ")"
		}
		fmt.Println(line)
	}

	if hpcStatusPrune {
		n, err := store.Prune(terminalState)
		if err != nil {
			return err
		}
		fmt.Printf("pruned %d terminal job(s)\n", n)
	}
	return nil
}

func terminalState(state string) bool {
	info := hpc.QueueInfo{State: strings.ToUpper(state)}
	return state != "" && state != "UNKNOWN" && info.Terminal()
}
