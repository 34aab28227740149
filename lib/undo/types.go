// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package undo

import (
	"fmt"
	"time"

	"github.com/bureau-foundation/rewind/lib/manifest"
)

// StepID identifies a step. Command and API steps are positive;
// ambient steps count down from -1.
type StepID int64

// StepKind says how a step was opened.
type StepKind = manifest.Kind

const (
	KindCommand = manifest.KindCommand
	KindAmbient = manifest.KindAmbient
	KindAPI     = manifest.KindAPI
)

// StepStatus is the lifecycle state of a step.
type StepStatus uint8

const (
	StatusOpen StepStatus = iota
	StatusCommitted
	StatusCancelled
)

func (s StepStatus) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusCommitted:
		return "committed"
	case StatusCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

func (s StepStatus) MarshalText() ([]byte, error) {
	switch s {
	case StatusOpen, StatusCommitted, StatusCancelled:
		return []byte(s.String()), nil
	}
	return nil, fmt.Errorf("invalid step status %d", uint8(s))
}

func (s *StepStatus) UnmarshalText(text []byte) error {
	switch string(text) {
	case "open":
		*s = StatusOpen
	case "committed":
		*s = StatusCommitted
	case "cancelled":
		*s = StatusCancelled
	default:
		return fmt.Errorf("unknown step status %q", text)
	}
	return nil
}

// StepRecord summarizes one step.
type StepRecord struct {
	ID          StepID     `json:"id"`
	Kind        StepKind   `json:"kind"`
	Status      StepStatus `json:"status"`
	Command     string     `json:"command,omitempty"`
	StartTime   time.Time  `json:"start_time"`
	CommitTime  time.Time  `json:"commit_time,omitzero"`
	Sequence    uint64     `json:"sequence,omitempty"`
	Unprotected bool       `json:"unprotected,omitempty"`
	Entries     int        `json:"entries"`

	// SizeBytes is the captured preimage volume. DiskBytes is what
	// the step directory occupies, which eviction budgets against.
	SizeBytes int64 `json:"size_bytes"`
	DiskBytes int64 `json:"disk_bytes,omitempty"`
}

// SymlinkPolicy controls how symlinks inside the root are treated.
type SymlinkPolicy uint8

const (
	// SymlinksIgnore never captures symlinks. Creating one is not
	// recorded, so rollback leaves it in place.
	SymlinksIgnore SymlinkPolicy = iota
	// SymlinksReadOnly captures symlinks but rollback never touches
	// them.
	SymlinksReadOnly
	// SymlinksReadWrite captures and restores symlinks like files.
	SymlinksReadWrite
)

func (p SymlinkPolicy) String() string {
	switch p {
	case SymlinksIgnore:
		return "ignore"
	case SymlinksReadOnly:
		return "read_only"
	case SymlinksReadWrite:
		return "read_write"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(p))
	}
}

// ParseSymlinkPolicy accepts the String forms.
func ParseSymlinkPolicy(name string) (SymlinkPolicy, error) {
	switch name {
	case "ignore", "":
		return SymlinksIgnore, nil
	case "read_only":
		return SymlinksReadOnly, nil
	case "read_write":
		return SymlinksReadWrite, nil
	}
	return 0, fmt.Errorf("unknown symlink policy %q", name)
}

// ExternalPolicy decides what an out-of-band modification does.
type ExternalPolicy uint8

const (
	// ExternalBarrier records a barrier that blocks rollback across
	// the modification.
	ExternalBarrier ExternalPolicy = iota
	// ExternalWarn only emits a notification.
	ExternalWarn
	// ExternalLock reports the modification as refused; enforcing the
	// refusal is up to the bridge.
	ExternalLock
)

func (p ExternalPolicy) String() string {
	switch p {
	case ExternalBarrier:
		return "barrier"
	case ExternalWarn:
		return "warn"
	case ExternalLock:
		return "lock"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(p))
	}
}

// ParseExternalPolicy accepts the String forms.
func ParseExternalPolicy(name string) (ExternalPolicy, error) {
	switch name {
	case "barrier", "":
		return ExternalBarrier, nil
	case "warn":
		return ExternalWarn, nil
	case "lock":
		return ExternalLock, nil
	}
	return 0, fmt.Errorf("unknown external modification policy %q", name)
}

// Barrier marks an external modification made after AfterStepID was
// committed. Rolling back AfterStepID or anything older would cross it.
type Barrier struct {
	ID          uint64    `json:"id"`
	AfterStepID StepID    `json:"after_step_id"`
	Time        time.Time `json:"time"`
	Paths       []string  `json:"paths"`
}

// RecoveryInfo reports what crash recovery undid.
type RecoveryInfo struct {
	StepID        StepID `json:"step_id"`
	PathsRestored int    `json:"paths_restored"`
	PathsDeleted  int    `json:"paths_deleted"`

	// ManifestValid is true when the in-progress record was complete:
	// either the commit manifest had been written, or the journal
	// decoded to the end and accounted for every sidecar.
	ManifestValid bool `json:"manifest_valid"`
}

// RollbackResult lists the steps a rollback undid, newest first, and
// the barriers a forced rollback removed.
type RollbackResult struct {
	RolledBack      []StepID  `json:"rolled_back"`
	BarriersCrossed []Barrier `json:"barriers_crossed,omitempty"`
}

// CloseResult reports a committed step and the steps its commit
// evicted. Drained is false when quiescence gave up at its maximum
// with operations still in flight.
type CloseResult struct {
	Step    StepRecord `json:"step"`
	Evicted []StepID   `json:"evicted,omitempty"`
	Drained bool       `json:"drained"`
}
