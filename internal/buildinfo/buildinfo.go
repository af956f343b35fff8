// Package buildinfo exposes compile-time metadata shared across the control plane.
package buildinfo

import "fmt"

// The following variables are overridden via ldflags during release builds.
// Defaults cover local development builds.
var (
	// Version is the semantic version or git describe output of the binary.
	Version = "dev"

	// Commit is the git commit SHA baked into the binary.
	Commit = "none"

	// BuildDate records when the binary was built in UTC.
	BuildDate = "unknown"
)

// Info is the build metadata served by /version.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"buildDate"`
}

// Current returns the metadata of the running binary.
func Current() Info {
	return Info{Version: Version, Commit: Commit, BuildDate: BuildDate}
}

// String formats the metadata for the startup banner and -version.
func String() string {
	return fmt.Sprintf("Data Bridge %s (commit %s, built %s)", Version, Commit, BuildDate)
}
