package versions

import (
	"fmt"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

// withBuildInfo swaps the package-level build variables for one test.
// Tests using it cannot run in parallel.
func withBuildInfo(t *testing.T, version, commit, buildDate string) {
	t.Helper()

	origVersion, origCommit, origBuildDate := Version, Commit, BuildDate
	t.Cleanup(func() {
		Version, Commit, BuildDate = origVersion, origCommit, origBuildDate
	})
	Version, Commit, BuildDate = version, commit, buildDate
}

func TestGetVersionInfoRelease(t *testing.T) {
	withBuildInfo(t, "v0.3.1", "0123456789abcdef", "2026-08-30T12:00:00Z")

	info := GetVersionInfo()
	assert.Equal(t, "v0.3.1", info.Version)
	assert.Equal(t, "0123456789abcdef", info.Commit)
	assert.Equal(t, "2026-08-30 12:00:00 UTC", info.BuildDate)
	assert.Equal(t, runtime.Version(), info.GoVersion)
	assert.Equal(t, fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH), info.Platform)
}

func TestGetVersionInfoLocalBuild(t *testing.T) {
	t.Run("commit known", func(t *testing.T) {
		withBuildInfo(t, "dev", "0123456789abcdef", unknownStr)

		info := GetVersionInfo()
		assert.Equal(t, "build-01234567", info.Version, "dev builds get a pseudo-version from the short commit")
		assert.Equal(t, unknownStr, info.BuildDate)
	})

	t.Run("short commit used whole", func(t *testing.T) {
		withBuildInfo(t, "dev", "ab12", unknownStr)

		info := GetVersionInfo()
		assert.Equal(t, "build-ab12", info.Version)
	})

	t.Run("commit unknown", func(t *testing.T) {
		withBuildInfo(t, "dev", unknownStr, unknownStr)

		info := GetVersionInfo()
		assert.Equal(t, "build-"+unknownStr, info.Version)
	})
}

func TestGetVersionInfoUnparseableDate(t *testing.T) {
	withBuildInfo(t, "v1.0.0", "abc", "yesterday-ish")

	info := GetVersionInfo()
	assert.Equal(t, "yesterday-ish", info.BuildDate, "dates that are not RFC 3339 pass through untouched")
}
