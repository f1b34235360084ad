// Package build exposes build metadata for the telemetry binaries.
package build

import (
	"runtime/debug"
	"strconv"
)

var gitRevision string

func init() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}

	var (
		revision string
		dirty    bool
	)
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.modified":
			dirty, _ = strconv.ParseBool(setting.Value)
		}
	}

	gitRevision = revision
	if dirty {
		gitRevision += "-dirty"
	}
}

// GetGitRevision retrieves the revision of the current build. Builds with
// uncommitted changes are suffixed with "-dirty".
func GetGitRevision() string {
	return gitRevision
}
