package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/bidsflow/bidsflow/internal/admission"
	"github.com/bidsflow/bidsflow/internal/bids"
	"github.com/bidsflow/bidsflow/internal/catalog"
	"github.com/bidsflow/bidsflow/internal/config"
	"github.com/bidsflow/bidsflow/internal/hpc"
	"github.com/bidsflow/bidsflow/internal/job"
	"github.com/bidsflow/bidsflow/internal/logging"
	"github.com/bidsflow/bidsflow/internal/orchestrator"
	"github.com/bidsflow/bidsflow/internal/results"
	"github.com/bidsflow/bidsflow/internal/runner"
	"github.com/bidsflow/bidsflow/internal/tool"
)

var runCmd = &cobra.Command{
	Use:   "run <tool>",
	Short: "Run a pipeline over dataset participants",
	Long: `Run a containerized pipeline for one or more participants of a BIDS
dataset. Without --participant-label, every participant listed in the
dataset's participants.tsv is processed, in file order.

Arguments after -- are passed to the pipeline container verbatim.

Examples:
  # FreeSurfer for two participants, locally
  bidsflow run freesurfer -d ds01 --participant-label 001 --participant-label 002

  # fMRIPrep on the cluster, reusing existing FreeSurfer outputs
  bidsflow run fmriprep -d ds01 --slurm --use-precomputed

  # QSIPrep with extra BIDS-App arguments
  bidsflow run qsiprep -d ds01 --output-resolution 1.6 -- --denoise-method dwidenoise`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

var (
	runDataset          string
	runParticipants     []string
	runSession          string
	runVersion          string
	runSlurm            bool
	runUsePrecomputed   bool
	runSkipDerived      bool
	runForce            bool
	runNoGPU            bool
	runDWIOnly          bool
	runOutputResolution float64
	runNProcs           int
	runHarmoCode        string
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runDataset, "dataset", "d", "", "Dataset name under the configured data roots (required)")
	_ = runCmd.MarkFlagRequired("dataset")
	runCmd.Flags().StringArrayVar(&runParticipants, "participant-label", nil, "Participant label(s) to process (default: all in participants.tsv)")
	runCmd.Flags().StringVar(&runSession, "session", "", "Session label")
	runCmd.Flags().StringVar(&runVersion, "version", "", "Tool version (default: the tool's default)")
	runCmd.Flags().BoolVar(&runSlurm, "slurm", false, "Submit to the SLURM cluster instead of running locally")
	runCmd.Flags().BoolVar(&runUsePrecomputed, "use-precomputed", false, "Reuse the upstream tool's existing outputs instead of recomputing them")
	runCmd.Flags().BoolVar(&runSkipDerived, "skip-derived", false, "Declare derived intermediates already present, skipping the upstream and extraction stages")
	runCmd.Flags().BoolVar(&runForce, "force", false, "Redo even when completed output already exists")
	runCmd.Flags().BoolVar(&runNoGPU, "no-gpu", false, "Run GPU tools on CPU")
	runCmd.Flags().BoolVar(&runDWIOnly, "dwi-only", false, "qsiprep: ignore anatomical data")
	runCmd.Flags().Float64Var(&runOutputResolution, "output-resolution", 0, "qsiprep: output voxel resolution in mm")
	runCmd.Flags().IntVar(&runNProcs, "nprocs", 0, "Worker processes inside the container")
	runCmd.Flags().StringVar(&runHarmoCode, "harmo-code", "", "meldgraph: site harmonization code")
}

func runRun(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true

	toolName := args[0]
	var passthrough []string
	if at := cmd.ArgsLenAtDash(); at >= 0 {
		passthrough = args[at:]
		if at < 1 {
			return fmt.Errorf("tool name is required before --")
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := logging.NopLogger()
	if cfg.Logging.Enabled {
		logger, err = logging.NewLogger(config.ExpandPath(cfg.Paths.LogDir), cfg.Logging.Level)
		if err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		defer logger.Close()
	}

	registry, err := tool.RegisterBuiltins()
	if err != nil {
		return err
	}

	rawdata := filepath.Join(config.ExpandPath(cfg.Paths.RawdataRoot), runDataset)
	derivatives := filepath.Join(config.ExpandPath(cfg.Paths.DerivativesRoot), runDataset)

	participants := runParticipants
	if len(participants) == 0 {
		all, err := bids.ReadParticipants(rawdata)
		if err != nil {
			return fmt.Errorf("failed to list participants: %w", err)
		}
		participants = bids.Labels(all)
	}
	if len(participants) == 0 {
		return fmt.Errorf("no participants to process in %s", rawdata)
	}

	var cat *catalog.Catalog
	if cfg.Paths.CatalogFile != "" {
		cat, err = catalog.Load(config.ExpandPath(cfg.Paths.CatalogFile))
		if err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kind := job.Local
	paths := tool.Paths{
		Rawdata:     rawdata,
		Derivatives: derivatives,
		FSLicense:   config.ExpandPath(cfg.Paths.FSLicense),
	}
	apptainerDir := config.ExpandPath(cfg.Paths.ApptainerDir)

	var backend runner.Backend = runner.NewLocal(logger)
	if runSlurm {
		if err := cfg.RequireHPC(); err != nil {
			return err
		}
		kind = job.Remote
		// Execution-side paths move to the cluster; the dependency
		// probe still inspects the local mirror of the dataset.
		paths = tool.Paths{
			Rawdata:     filepath.Join(cfg.HPC.RawdataRoot, runDataset),
			Derivatives: filepath.Join(cfg.HPC.DerivativesRoot, runDataset),
			FSLicense:   cfg.Paths.FSLicense,
		}
		apptainerDir = cfg.HPC.ApptainerDir

		client := hpc.NewClient(cfg.HPC.User, cfg.HPC.Host, config.ExpandPath(cfg.HPC.Keyfile), cfg.HPC.Gateway, logger)
		if err := client.Check(ctx); err != nil {
			return err
		}
		store := hpc.NewStore(filepath.Join(config.StateDir(), hpc.StoreFileName))
		backend = runner.NewRemote(client, store, registry, cfg.HPC.JobDir, logger)
	}

	driver := orchestrator.New(orchestrator.Config{
		Registry:     registry,
		Probe:        bids.NewFSProbe(rawdata, derivatives),
		Admission:    admission.NewController(config.ExpandPath(cfg.Paths.LockDir), cfg.Admission.Limit, logger),
		Backend:      backend,
		Kind:         kind,
		Paths:        paths,
		ApptainerDir: apptainerDir,
		Catalog:      cat,
		Resources: job.Resources{
			Partition: cfg.HPC.Partition,
			Walltime:  cfg.HPC.Walltime,
			Mem:       cfg.HPC.Mem,
			GPUs:      cfg.HPC.GPUs,
		},
		Results: results.NewLog(filepath.Join(config.ExpandPath(cfg.Paths.ResultsDir), results.LogFileName), uuid.NewString()),
		Logger:  logger,
	})

	outcomes, runErr := driver.Run(ctx, orchestrator.Batch{
		Dataset:      runDataset,
		Tool:         toolName,
		Version:      runVersion,
		Session:      runSession,
		Participants: participants,
		Options: tool.Options{
			UsePrecomputed:   runUsePrecomputed,
			SkipDerived:      runSkipDerived,
			ForceRedo:        runForce,
			NoGPU:            runNoGPU,
			DWIOnly:          runDWIOnly,
			OutputResolution: runOutputResolution,
			NProcs:           runNProcs,
			HarmoCode:        runHarmoCode,
			Passthrough:      passthrough,
		},
	})

	// The summary is printed even when the batch stopped early.
	fmt.Println()
	printSummary(outcomes)

	if runErr != nil {
		var denied *admission.DeniedError
		if errors.As(runErr, &denied) {
			fmt.Fprintf(os.Stderr, "\n%v\n", denied)
			for _, rec := range denied.Active {
				fmt.Fprintf(os.Stderr, "  pid %d on %s (%s): %s/%s\n",
					rec.PID, rec.Hostname, rec.User, rec.Dataset, rec.Tool)
			}
			os.Exit(2)
		}
		return runErr
	}

	if code := orchestrator.ExitCode(outcomes); code != 0 {
		os.Exit(code)
	}
	return nil
}
