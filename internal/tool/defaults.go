package tool

// Default container versions for the built-in tools. A request that
// pins no version resolves to these.
const (
	DefaultFreeSurferVersion = "7.4.1"
	DefaultFMRIPrepVersion   = "23.2.1"
	DefaultQSIPrepVersion    = "0.21.4"
	DefaultMeldGraphVersion  = "2.2.3"
)

// Container paths for the standard mounts the job builder provides to
// every tool. Commands are built against these, never against host
// paths, so the same command line works locally and on the cluster.
const (
	ContainerRawdata     = "/rawdata"
	ContainerDerivatives = "/derivatives"
	ContainerFSLicense   = "/opt/freesurfer/license.txt"
)

// defaultNProcs is used when the caller does not set Options.NProcs.
const defaultNProcs = 8
