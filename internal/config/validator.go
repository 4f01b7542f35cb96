package config

import (
	"fmt"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "admission.limit")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateAdmission()...)
	errors = append(errors, c.validateHPC()...)
	errors = append(errors, c.validateLogging()...)

	return errors
}

// validateAdmission validates the AdmissionConfig
func (c *Config) validateAdmission() []ValidationError {
	var errors []ValidationError

	if c.Admission.Limit < 1 {
		errors = append(errors, ValidationError{
			Field:   "admission.limit",
			Value:   c.Admission.Limit,
			Message: "must be at least 1",
		})
	}

	return errors
}

// validateHPC validates the HPCConfig
func (c *Config) validateHPC() []ValidationError {
	var errors []ValidationError

	if c.HPC.GPUs < 0 {
		errors = append(errors, ValidationError{
			Field:   "hpc.gpus",
			Value:   c.HPC.GPUs,
			Message: "must be non-negative",
		})
	}

	if c.HPC.PollIntervalSeconds < 1 {
		errors = append(errors, ValidationError{
			Field:   "hpc.poll_interval_seconds",
			Value:   c.HPC.PollIntervalSeconds,
			Message: "must be at least 1",
		})
	}

	return errors
}

// validateLogging validates the LoggingConfig
func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	return errors
}

// RequireHPC checks that the fields needed for remote submission are set.
// Called only when a run actually targets the remote backend, so a purely
// local setup needs no HPC section at all.
func (c *Config) RequireHPC() error {
	var missing []string
	if c.HPC.Host == "" {
		missing = append(missing, "hpc.host")
	}
	if c.HPC.User == "" {
		missing = append(missing, "hpc.user")
	}
	if c.HPC.RawdataRoot == "" {
		missing = append(missing, "hpc.rawdata_root")
	}
	if c.HPC.DerivativesRoot == "" {
		missing = append(missing, "hpc.derivatives_root")
	}
	if c.HPC.ApptainerDir == "" {
		missing = append(missing, "hpc.apptainer_dir")
	}
	if len(missing) > 0 {
		return fmt.Errorf("remote execution requires: %s", strings.Join(missing, ", "))
	}
	return nil
}
