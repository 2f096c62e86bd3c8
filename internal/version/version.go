package version

import (
	"fmt"
)

// Version is the current released version.
// This value can be overridden at build time using ldflags:
//
//	go build -ldflags "-X github.com/yan-zero/savepic/internal/version.Version=v0.3.0"
var Version = "0.0.0-dev"

// GitCommit is the git commit hash at build time.
// Set via ldflags: -X github.com/yan-zero/savepic/internal/version.GitCommit=$(git rev-parse HEAD)
var GitCommit = "unknown"

// GetCurrentVersion returns the version string reported for the given mode.
func GetCurrentVersion(mode string) string {
	if mode == "dev" || mode == "demo" {
		return Version + "+" + mode
	}
	return Version
}

// String returns the version string with optional commit hash.
func String() string {
	v := Version
	if GitCommit != "" && GitCommit != "unknown" {
		shortCommit := GitCommit
		if len(shortCommit) > 8 {
			shortCommit = shortCommit[:8]
		}
		v = fmt.Sprintf("%s-%s", v, shortCommit)
	}
	return v
}
