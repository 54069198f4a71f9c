package models

import (
	"time"

	"github.com/hydrogen-ci/hydrogen/nix"
)

// RemoteResult is the outcome of one attempt to perform a step on a remote
// builder.
type RemoteResult struct {
	StepStatus BuildStatus
	CanRetry   bool // for aborted
	IsCached   bool // for success: outputs were already valid remotely
	CanCache   bool // for failed: record outputs in FailedPaths
	ErrorMsg   string

	TimesBuilt         int
	IsNonDeterministic bool

	StartTime time.Time
	StopTime  time.Time
	Overhead  time.Duration
	LogFile   string
}

// BuildStatus maps the step status onto the status stored against a build: a
// cached failure surfaces to the user as a plain failure.
func (r *RemoteResult) BuildStatus() BuildStatus {
	if r.StepStatus == BuildStatusCachedFailure {
		return BuildStatusFailed
	}
	return r.StepStatus
}

// BuildProduct is one artifact a build declared (or an implicit per-output
// product when nothing was declared).
type BuildProduct struct {
	Path        string
	DefaultPath string
	Type        string
	SubType     string
	Name        string
	IsRegular   bool
	FileSize    uint64
	SHA256Hash  string
}

// BuildMetric is a named measurement emitted by a build.
type BuildMetric struct {
	Name  string
	Unit  string
	Value float64
}

// BuildOutput is the digest of a successful build: sizes, release name,
// declared products and metrics.
type BuildOutput struct {
	// Failed is set when the build exited successfully but declared failure
	// by creating $out/nix-support/failed.
	Failed bool

	ReleaseName string

	Size        uint64
	ClosureSize uint64

	Products []BuildProduct
	Metrics  map[string]BuildMetric

	Outputs map[string]nix.StorePath
}
