// Package version holds build metadata for the breakerwatch binary,
// injected via -ldflags "-X trade-halt-breaker/internal/version.Version=...".
package version

import "fmt"

var (
	// Version is the semantic version of breakerwatch. Overridden at build time.
	Version = "dev"
	// Commit is the git commit hash. Overridden at build time.
	Commit = "unknown"
	// BuildDate is the build timestamp. Overridden at build time.
	BuildDate = "unknown"
)

// String renders the triple as a single identifier for logs and user agents.
func String() string {
	return fmt.Sprintf("breakerwatch %s (%s, %s)", Version, Commit, BuildDate)
}
