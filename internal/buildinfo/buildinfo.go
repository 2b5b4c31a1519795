// Package buildinfo holds version metadata stamped at build time via
// -ldflags "-X github.com/nugget/devkit/internal/buildinfo.Version=...".
package buildinfo

import (
	"fmt"
	"runtime"
	"time"
)

// Set at build time.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var startTime = time.Now()

// Info returns build and runtime metadata, as served by /v1/version and
// printed by "devkit version".
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}

// Uptime returns the time since process start, truncated to seconds.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// String returns a one-line summary for the startup log.
func String() string {
	return fmt.Sprintf("devkit %s (%s) built %s", Version, GitCommit, BuildTime)
}
