// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"fmt"
	"runtime"

	"github.com/bureau-foundation/rewind/lib/undo"
)

// Set with -ldflags at build time, for example:
//
//	go build -ldflags "-X github.com/bureau-foundation/rewind/lib/version.GitCommit=$(git rev-parse --short HEAD)"
var (
	GitCommit = "unknown"
	GitDirty  = "false"
	BuildTime = "unknown"
	Version   = "0.1.0-dev"
)

// Info is the one-line version string.
func Info() string {
	dirty := ""
	if GitDirty == "true" {
		dirty = "-dirty"
	}
	return fmt.Sprintf("%s (%s%s, %s)", Version, GitCommit, dirty, BuildTime)
}

// Full adds the log format, Go version, and platform to Info.
func Full() string {
	return fmt.Sprintf("%s\n  Log format: %s\n  Go: %s\n  Platform: %s/%s",
		Info(), undo.LogVersion, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// Build is the --json shape of the version command.
type Build struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Dirty     bool   `json:"dirty"`
	BuildTime string `json:"build_time"`
	LogFormat string `json:"log_format"`
	Go        string `json:"go"`
	Platform  string `json:"platform"`
}

// Current returns the build information of this binary.
func Current() Build {
	return Build{
		Version:   Version,
		Commit:    GitCommit,
		Dirty:     GitDirty == "true",
		BuildTime: BuildTime,
		LogFormat: undo.LogVersion,
		Go:        runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}
