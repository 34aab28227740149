// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package undo

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bureau-foundation/rewind/lib/clock"
	"github.com/bureau-foundation/rewind/lib/preimage"
)

// Default timing. The quiescence pair bounds how long CloseStep waits
// for straggling operations; AmbientInactivity is how long an ambient
// step stays open without writes.
const (
	DefaultQuiescenceIdle      = 100 * time.Millisecond
	DefaultQuiescenceMax       = 2 * time.Second
	DefaultAmbientInactivity   = 5 * time.Second
	DefaultOwnWriteWindow      = 2 * time.Second
	DefaultDecisionTimeout     = 5 * time.Minute
	DefaultMaxQueuedOperations = 1024
	DefaultCaptureConcurrency  = 8
)

// LogDirName is the default log directory inside the root.
const LogDirName = ".rewind"

// Filter excludes paths from capture. lib/ignore implements it with
// gitignore rules.
type Filter interface {
	Ignored(rel string, isDir bool) bool
}

// ResourceLimits bounds the undo log. Zero means unlimited.
type ResourceLimits struct {
	MaxLogSizeBytes        int64 `json:"max_log_size_bytes" yaml:"max_log_size_bytes"`
	MaxStepCount           int   `json:"max_step_count" yaml:"max_step_count"`
	MaxSingleStepSizeBytes int64 `json:"max_single_step_size_bytes" yaml:"max_single_step_size_bytes"`
}

// Validate rejects negative limits.
func (l ResourceLimits) Validate() error {
	var errs []error
	if l.MaxLogSizeBytes < 0 {
		errs = append(errs, fmt.Errorf("max_log_size_bytes %d is negative", l.MaxLogSizeBytes))
	}
	if l.MaxStepCount < 0 {
		errs = append(errs, fmt.Errorf("max_step_count %d is negative", l.MaxStepCount))
	}
	if l.MaxSingleStepSizeBytes < 0 {
		errs = append(errs, fmt.Errorf("max_single_step_size_bytes %d is negative", l.MaxSingleStepSizeBytes))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidLimits, errors.Join(errs...))
	}
	return nil
}

// SafeguardConfig sets the thresholds that hold a step for a decision.
// Zero disables a threshold.
type SafeguardConfig struct {
	// DeleteThreshold trips when a step's unlink and rmdir count
	// reaches it.
	DeleteThreshold int `json:"delete_threshold"`

	// OverwriteFileSizeThreshold trips on the first write or
	// truncating open of an existing file at least this large.
	OverwriteFileSizeThreshold int64 `json:"overwrite_file_size_threshold"`

	// RenameOverExisting trips on a rename whose destination exists.
	RenameOverExisting bool `json:"rename_over_existing"`

	// DecisionTimeout bounds a hold. Zero waits for a decision or
	// for the hook's context to end.
	DecisionTimeout time.Duration `json:"decision_timeout"`

	// MaxQueuedOperations bounds how many hooks may wait behind a
	// hold. Zero means no bound.
	MaxQueuedOperations int `json:"max_queued_operations"`
}

// Validate rejects negative thresholds.
func (c SafeguardConfig) Validate() error {
	var errs []error
	if c.DeleteThreshold < 0 {
		errs = append(errs, fmt.Errorf("delete_threshold %d is negative", c.DeleteThreshold))
	}
	if c.OverwriteFileSizeThreshold < 0 {
		errs = append(errs, fmt.Errorf("overwrite_file_size_threshold %d is negative", c.OverwriteFileSizeThreshold))
	}
	if c.DecisionTimeout < 0 {
		errs = append(errs, fmt.Errorf("decision_timeout %v is negative", c.DecisionTimeout))
	}
	if c.MaxQueuedOperations < 0 {
		errs = append(errs, fmt.Errorf("max_queued_operations %d is negative", c.MaxQueuedOperations))
	}
	return errors.Join(errs...)
}

// Options configures an Engine. Durations are used as given: zero
// disables the corresponding wait. DefaultOptions fills in the
// production values.
type Options struct {
	// Root is the working directory whose writes are intercepted.
	Root string

	// LogDir holds the undo log. Defaults to Root/.rewind. When it
	// lies inside Root it is excluded from capture.
	LogDir string

	Symlinks       SymlinkPolicy
	ExternalPolicy ExternalPolicy

	Compression preimage.Compression
	Clone       bool

	Limits     ResourceLimits
	Safeguards SafeguardConfig

	QuiescenceIdle    time.Duration
	QuiescenceMax     time.Duration
	AmbientInactivity time.Duration

	// OwnWriteWindow is how long a path written through the hooks or
	// by rollback is reported by IsOwnWrite.
	OwnWriteWindow time.Duration

	// CaptureConcurrency bounds the goroutines used to capture a
	// directory subtree.
	CaptureConcurrency int

	Ignore           Filter
	Notifier         Notifier
	SafeguardHandler SafeguardHandler

	Clock  clock.Clock
	Logger *slog.Logger
}

// DefaultOptions returns production settings for root.
func DefaultOptions(root string) Options {
	return Options{
		Root:        root,
		Compression: preimage.CompressionZstd,
		Clone:       true,
		Limits: ResourceLimits{
			MaxLogSizeBytes:        2 << 30,
			MaxStepCount:           100,
			MaxSingleStepSizeBytes: 512 << 20,
		},
		Safeguards: SafeguardConfig{
			DecisionTimeout:     DefaultDecisionTimeout,
			MaxQueuedOperations: DefaultMaxQueuedOperations,
		},
		QuiescenceIdle:     DefaultQuiescenceIdle,
		QuiescenceMax:      DefaultQuiescenceMax,
		AmbientInactivity:  DefaultAmbientInactivity,
		OwnWriteWindow:     DefaultOwnWriteWindow,
		CaptureConcurrency: DefaultCaptureConcurrency,
	}
}
