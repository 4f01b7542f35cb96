package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete bidsflow configuration
type Config struct {
	Paths     PathsConfig     `mapstructure:"paths"`
	Admission AdmissionConfig `mapstructure:"admission"`
	HPC       HPCConfig       `mapstructure:"hpc"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// PathsConfig controls where bidsflow finds data and stores state
type PathsConfig struct {
	// RawdataRoot is the directory holding one rawdata tree per dataset:
	// {rawdata_root}/{dataset}/sub-XX/...
	RawdataRoot string `mapstructure:"rawdata_root"`
	// DerivativesRoot is the directory holding one derivatives tree per
	// dataset: {derivatives_root}/{dataset}/{tool}_{version}/sub-XX
	DerivativesRoot string `mapstructure:"derivatives_root"`
	// ApptainerDir is where .sif container images live
	ApptainerDir string `mapstructure:"apptainer_dir"`
	// LockDir is the shared directory for admission lock records.
	// All bidsflow instances on a host must agree on this path.
	LockDir string `mapstructure:"lock_dir"`
	// ResultsDir is where per-run result logs are appended
	ResultsDir string `mapstructure:"results_dir"`
	// CatalogFile is an optional YAML catalog mapping tool versions to images
	CatalogFile string `mapstructure:"catalog_file"`
	// FSLicense is the FreeSurfer license file, bind-mounted read-only
	// into containers that need it
	FSLicense string `mapstructure:"fs_license"`
	// LogDir is where the structured debug log is written
	LogDir string `mapstructure:"log_dir"`
}

// AdmissionConfig controls the host-global concurrency ceiling
type AdmissionConfig struct {
	// Limit is the maximum number of concurrently admitted bidsflow
	// instances across all datasets and tools on this host (default: 10)
	Limit int `mapstructure:"limit"`
}

// HPCConfig controls remote batch-queue submission
type HPCConfig struct {
	// Host is the cluster login node
	Host string `mapstructure:"host"`
	// User is the cluster account name
	User string `mapstructure:"user"`
	// Keyfile is the SSH private key path (empty: agent/default key)
	Keyfile string `mapstructure:"keyfile"`
	// Gateway is an optional ProxyJump host
	Gateway string `mapstructure:"gateway"`
	// Partition is the SLURM partition to submit to
	Partition string `mapstructure:"partition"`
	// Walltime is the requested wall clock limit (SLURM format, e.g. "24:00:00")
	Walltime string `mapstructure:"walltime"`
	// Mem is the requested memory (e.g. "32G")
	Mem string `mapstructure:"mem"`
	// GPUs is the GPU count requested for GPU tools
	GPUs int `mapstructure:"gpus"`
	// RawdataRoot, DerivativesRoot and ApptainerDir are the remote
	// counterparts of the local paths
	RawdataRoot     string `mapstructure:"rawdata_root"`
	DerivativesRoot string `mapstructure:"derivatives_root"`
	ApptainerDir    string `mapstructure:"apptainer_dir"`
	// JobDir is where batch scripts are staged on the remote host
	JobDir string `mapstructure:"job_dir"`
	// PollIntervalSeconds is the delay between remote status checks
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds"`
}

// PollInterval returns the poll interval as a time.Duration
func (h *HPCConfig) PollInterval() time.Duration {
	return time.Duration(h.PollIntervalSeconds) * time.Second
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Enabled controls whether debug logging is enabled (default: true)
	Enabled bool `mapstructure:"enabled"`
	// Level is the log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Paths: PathsConfig{
			RawdataRoot:     "",
			DerivativesRoot: "",
			ApptainerDir:    "",
			LockDir:         "/tmp/bidsflow-locks",
			ResultsDir:      filepath.Join(StateDir(), "results"),
			CatalogFile:     "",
			FSLicense:       "",
			LogDir:          filepath.Join(StateDir(), "logs"),
		},
		Admission: AdmissionConfig{
			Limit: 10,
		},
		HPC: HPCConfig{
			Partition:           "batch",
			Walltime:            "24:00:00",
			Mem:                 "32G",
			GPUs:                1,
			JobDir:              "bidsflow_jobs",
			PollIntervalSeconds: 60,
		},
		Logging: LoggingConfig{
			Enabled: true,
			Level:   "info",
		},
	}
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	// Paths defaults
	viper.SetDefault("paths.rawdata_root", defaults.Paths.RawdataRoot)
	viper.SetDefault("paths.derivatives_root", defaults.Paths.DerivativesRoot)
	viper.SetDefault("paths.apptainer_dir", defaults.Paths.ApptainerDir)
	viper.SetDefault("paths.lock_dir", defaults.Paths.LockDir)
	viper.SetDefault("paths.results_dir", defaults.Paths.ResultsDir)
	viper.SetDefault("paths.catalog_file", defaults.Paths.CatalogFile)
	viper.SetDefault("paths.fs_license", defaults.Paths.FSLicense)
	viper.SetDefault("paths.log_dir", defaults.Paths.LogDir)

	// Admission defaults
	viper.SetDefault("admission.limit", defaults.Admission.Limit)

	// HPC defaults
	viper.SetDefault("hpc.host", defaults.HPC.Host)
	viper.SetDefault("hpc.user", defaults.HPC.User)
	viper.SetDefault("hpc.keyfile", defaults.HPC.Keyfile)
	viper.SetDefault("hpc.gateway", defaults.HPC.Gateway)
	viper.SetDefault("hpc.partition", defaults.HPC.Partition)
	viper.SetDefault("hpc.walltime", defaults.HPC.Walltime)
	viper.SetDefault("hpc.mem", defaults.HPC.Mem)
	viper.SetDefault("hpc.gpus", defaults.HPC.GPUs)
	viper.SetDefault("hpc.rawdata_root", defaults.HPC.RawdataRoot)
	viper.SetDefault("hpc.derivatives_root", defaults.HPC.DerivativesRoot)
	viper.SetDefault("hpc.apptainer_dir", defaults.HPC.ApptainerDir)
	viper.SetDefault("hpc.job_dir", defaults.HPC.JobDir)
	viper.SetDefault("hpc.poll_interval_seconds", defaults.HPC.PollIntervalSeconds)

	// Logging defaults
	viper.SetDefault("logging.enabled", defaults.Logging.Enabled)
	viper.SetDefault("logging.level", defaults.Logging.Level)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration (convenience function)
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		// Fall back to defaults if unmarshaling fails
		return Default()
	}
	return cfg
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	} else if path == "~" {
		home, err := os.UserHomeDir()
		if err == nil {
			return home
		}
	}
	return path
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	// Check XDG_CONFIG_HOME first
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "bidsflow")
	}
	// Fall back to ~/.config/bidsflow
	home, err := os.UserHomeDir()
	if err != nil {
		return ".bidsflow"
	}
	return filepath.Join(home, ".config", "bidsflow")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// StateDir returns the path to the user's state directory, where result
// logs and the HPC job store live.
func StateDir() string {
	if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
		return filepath.Join(xdg, "bidsflow")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".bidsflow"
	}
	return filepath.Join(home, ".local", "state", "bidsflow")
}
