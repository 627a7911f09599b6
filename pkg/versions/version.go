// Package versions provides version information for the server binary.
package versions

import (
	"fmt"
	"runtime"
	"time"
)

const unknownStr = "unknown"

var (
	// Version is the current version of the server, set at build time via ldflags.
	Version = "dev"
	// Commit is the git commit the binary was built from, set at build time.
	Commit = unknownStr
	// BuildDate is the date the binary was built, set at build time.
	BuildDate = unknownStr
)

// VersionInfo describes the build of the running binary.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// GetVersionInfo returns the version information for the running binary.
// Local builds without injected version info get a "build-<commit>" pseudo-version.
func GetVersionInfo() VersionInfo {
	version := Version
	commit := Commit
	buildDate := BuildDate

	if version == "dev" {
		if commit != unknownStr {
			short := commit
			if len(short) > 8 {
				short = short[:8]
			}
			version = "build-" + short
		} else {
			version = "build-" + unknownStr
		}
	}

	if t, err := time.Parse(time.RFC3339, buildDate); err == nil {
		buildDate = t.UTC().Format("2006-01-02 15:04:05 UTC")
	}

	return VersionInfo{
		Version:   version,
		Commit:    commit,
		BuildDate: buildDate,
		GoVersion: runtime.Version(),
		Platform:  fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}
