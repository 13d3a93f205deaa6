// Package version contains build version information set via ldflags.
package version

// Overridden at build time:
//
//	-ldflags "-X github.com/bissquit/incident-autopilot/internal/version.Version=1.2.3"
var (
	Version   = "0.0.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Info is the build information served by /version and printed by the CLI.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

// Get returns the build information.
func Get() Info {
	return Info{Version: Version, Commit: GitCommit, BuildDate: BuildDate}
}
