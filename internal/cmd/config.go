package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bidsflow/bidsflow/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View bidsflow configuration",
	Long: `View the effective bidsflow configuration.

Without arguments, displays the current configuration after merging the
config file, environment variables (BIDSFLOW_*) and defaults.`,
	RunE: runConfigShow,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runConfigShow,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the config file path",
	RunE:  runConfigPath,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configPathCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	fmt.Println("paths:")
	fmt.Printf("  rawdata_root:     %s\n", cfg.Paths.RawdataRoot)
	fmt.Printf("  derivatives_root: %s\n", cfg.Paths.DerivativesRoot)
	fmt.Printf("  apptainer_dir:    %s\n", cfg.Paths.ApptainerDir)
	fmt.Printf("  fs_license:       %s\n", cfg.Paths.FSLicense)
	fmt.Printf("  lock_dir:         %s\n", cfg.Paths.LockDir)
	fmt.Printf("  results_dir:      %s\n", cfg.Paths.ResultsDir)
	fmt.Printf("  catalog_file:     %s\n", cfg.Paths.CatalogFile)
	fmt.Printf("  log_dir:          %s\n", cfg.Paths.LogDir)
	fmt.Println("admission:")
	fmt.Printf("  limit: %d\n", cfg.Admission.Limit)
	fmt.Println("hpc:")
	fmt.Printf("  host:             %s\n", cfg.HPC.Host)
	fmt.Printf("  user:             %s\n", cfg.HPC.User)
	fmt.Printf("  partition:        %s\n", cfg.HPC.Partition)
	fmt.Printf("  walltime:         %s\n", cfg.HPC.Walltime)
	fmt.Printf("  mem:              %s\n", cfg.HPC.Mem)
	fmt.Printf("  gpus:             %d\n", cfg.HPC.GPUs)
	fmt.Printf("  rawdata_root:     %s\n", cfg.HPC.RawdataRoot)
	fmt.Printf("  derivatives_root: %s\n", cfg.HPC.DerivativesRoot)
	fmt.Printf("  apptainer_dir:    %s\n", cfg.HPC.ApptainerDir)
	fmt.Printf("  job_dir:          %s\n", cfg.HPC.JobDir)
	fmt.Println("logging:")
	fmt.Printf("  enabled: %t\n", cfg.Logging.Enabled)
	fmt.Printf("  level:   %s\n", cfg.Logging.Level)
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	fmt.Println(config.ConfigFile())
	return nil
}
