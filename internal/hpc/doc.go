// Package hpc manages remote batch-queue execution: rendering SLURM
// scripts, transferring them over the ssh/scp channel, submitting jobs,
// and resolving their status by polling squeue and sacct.
//
// Submission and polling are deliberately separate operations. Execute
// on the remote backend returns as soon as the queue accepts the job;
// polling later resolves the submitted state into a terminal outcome.
// Cancelling a poll only stops the local check — the remote job's
// lifecycle belongs to the queue and is never retracted automatically.
package hpc
