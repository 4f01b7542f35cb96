package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bidsflow/bidsflow/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter config file",
	RunE:  runInit,
}

var initForce bool

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing config file")
}

const configTemplate = `# bidsflow configuration
paths:
  # Local BIDS data roots; datasets live at {root}/{dataset}.
  rawdata_root: ~/data/rawdata
  derivatives_root: ~/data/derivatives
  # Directory holding pipeline container images ({tool}_{version}.sif).
  apptainer_dir: ~/containers
  # FreeSurfer license file, mounted into every container that needs it.
  fs_license: ~/freesurfer/license.txt
  # Shared admission lock directory; all instances on this host must
  # agree on it.
  lock_dir: /tmp/bidsflow-locks
  # Optional image catalog overriding the naming convention.
  # catalog_file: ~/.config/bidsflow/catalog.yaml

admission:
  # Global ceiling on concurrently running instances.
  limit: 10

hpc:
  # SLURM head node for --slurm runs.
  host: ""
  user: ""
  # keyfile: ~/.ssh/id_ed25519
  # gateway: bastion.example.org
  partition: batch
  walltime: "24:00:00"
  mem: 32G
  gpus: 1
  # Cluster-side data roots.
  rawdata_root: ""
  derivatives_root: ""
  apptainer_dir: ""
  # Remote directory batch scripts are staged under.
  job_dir: bidsflow_jobs

logging:
  enabled: true
  level: info
`

func runInit(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true

	path := config.ConfigFile()
	if _, err := os.Stat(path); err == nil && !initForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(configTemplate), 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Printf("wrote %s\n", path)
	return nil
}
