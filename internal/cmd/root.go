package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bidsflow/bidsflow/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "bidsflow",
	Short: "BIDS neuroimaging pipeline launcher",
	Long: `Bidsflow runs containerized neuroimaging pipelines (FreeSurfer,
fMRIPrep, QSIPrep, MELD Graph) over BIDS datasets, either locally or by
submitting batch jobs to a SLURM cluster.

A global admission ceiling bounds how many instances process data at
once; crashed instances are detected and their slots reclaimed
automatically.`,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/bidsflow/config.yaml)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath("$HOME/.config/bidsflow")
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("BIDSFLOW")
	// Replace dots with underscores for nested keys in env vars
	// e.g., BIDSFLOW_ADMISSION_LIMIT for admission.limit
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}
