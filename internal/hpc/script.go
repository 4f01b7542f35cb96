package hpc

import (
	"fmt"
	"strings"

	"github.com/bidsflow/bidsflow/internal/job"
)

// ============================================================================
// BATCH SCRIPT RENDERING
// ============================================================================

// RenderScript produces the SLURM batch script for a job. extra holds
// tool-specific #SBATCH directives (without the "#SBATCH " prefix),
// appended after the standard ones so they can override nothing but
// add scheduler hints such as --cpus-per-task.
//
// The command line comes from spec.ShellLine(), which is identical to
// what the local backend would exec. The container mount layout keeps
// the argv valid on both sides.
func RenderScript(spec *job.Spec, extra []string) string {
	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	directive(&b, "--job-name=%s", spec.Name)
	if spec.Resources.Partition != "" {
		directive(&b, "--partition=%s", spec.Resources.Partition)
	}
	if spec.Resources.Walltime != "" {
		directive(&b, "--time=%s", spec.Resources.Walltime)
	}
	if spec.Resources.Mem != "" {
		directive(&b, "--mem=%s", spec.Resources.Mem)
	}
	directive(&b, "--output=%s_%%j.out", spec.Name)
	directive(&b, "--error=%s_%%j.err", spec.Name)
	if spec.GPU {
		n := spec.Resources.GPUs
		if n <= 0 {
			n = 1
		}
		directive(&b, "--gres=gpu:%d", n)
	}
	for _, d := range extra {
		directive(&b, "%s", d)
	}

	b.WriteString("\n")
	b.WriteString(`echo "Job ${SLURM_JOB_ID} (${SLURM_JOB_NAME}) started on $(hostname) at $(date)"` + "\n\n")
	b.WriteString(spec.ShellLine())
	b.WriteString("\n\n")
	b.WriteString(`echo "Job ${SLURM_JOB_ID} finished at $(date) with status $?"` + "\n")
	return b.String()
}

func directive(b *strings.Builder, format string, args ...interface{}) {
	fmt.Fprintf(b, "#SBATCH "+format+"\n", args...)
}

// ScriptName is the file name the batch script is uploaded under.
func ScriptName(spec *job.Spec) string {
	return spec.Name + ".sbatch"
}
