// Package version holds build version information for av1arr.
package version

import "fmt"

// These variables are set at build time via -ldflags.
var (
	// Version is the semantic version of the build.
	Version = "dev"
	// Commit is the git commit hash of the build.
	Commit = "unknown"
	// Date is the build timestamp.
	Date = "unknown"
)

// Short returns a one-line version string.
func Short() string {
	return Version
}

// Full returns the version with commit and build date.
func Full() string {
	return fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, Date)
}
