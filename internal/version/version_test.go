package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestString(t *testing.T) {
	origVersion, origCommit, origBuildTime := Version, Commit, BuildTime
	defer func() {
		Version, Commit, BuildTime = origVersion, origCommit, origBuildTime
	}()

	Version = "1.2.3"
	Commit = "abc1234"
	BuildTime = "2026-01-15T10:00:00Z"

	assert.Equal(t, "1.2.3 (abc1234) built 2026-01-15T10:00:00Z", String())
	assert.Equal(t, Info{Version: "1.2.3", Commit: "abc1234", BuildTime: "2026-01-15T10:00:00Z"}, Get())
}

func TestDefaultValues(t *testing.T) {
	// ldflags may override these in release builds, never with empty strings.
	assert.NotEmpty(t, Version)
	assert.NotEmpty(t, Commit)
	assert.NotEmpty(t, BuildTime)
}
