// Package version holds build information set through -ldflags.
package version

import "runtime"

// Set with -ldflags "-X github.com/AliZeynalov/heyhi-proxy/internal/version.Version=...".
var (
	Version = "v2-resilient"
	Commit  = "unknown"
	Date    = ""
)

// Info is the build information printed by the version command.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date,omitempty"`
	GoVersion string `json:"go_version"`
}

// Get returns the current build information.
func Get() Info {
	return Info{
		Version:   Version,
		Commit:    Commit,
		Date:      Date,
		GoVersion: runtime.Version(),
	}
}
