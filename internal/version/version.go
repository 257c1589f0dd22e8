// Package version carries build metadata for privd.
package version

import "fmt"

// Version contains the application version information.
// Set via build-time ldflags in production:
// go build -ldflags "-X git.home.luguber.info/inful/privd/internal/version.Version=v1.0.0".
var Version = "unknown"

// BuildInfo contains additional build metadata.
var (
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// String renders version, commit and build time on one line.
func String() string {
	return fmt.Sprintf("privd %s (commit %s, built %s)", Version, GitCommit, BuildTime)
}
