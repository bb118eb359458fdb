// Package buildinfo holds version metadata stamped in at build time (e.g.
// via -ldflags) and surfaced in logs and the CLI version string.
package buildinfo

var (
	// GitCommit is set by govvv at build time.
	GitCommit = "n/a"
	// GitBranch  is set by govvv at build time.
	GitBranch = "n/a"
	// GitState  is set by govvv at build time.
	GitState = "n/a"
	// GitSummary is set by govvv at build time.
	GitSummary = "n/a"
	// BuildDate  is set by govvv at build time.
	BuildDate = "n/a"
	// Version  is set by govvv at build time.
	Version = "n/a"
)

// Summary renders a single-line build identifier for logs and the CLI.
func Summary() string {
	if GitCommit == "n/a" {
		return "dev"
	}
	return GitCommit + " (" + GitBranch + ", " + BuildDate + ")"
}
