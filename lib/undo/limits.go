// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package undo

import (
	"os"
)

// ConfigureLimits replaces the resource limits and evicts whatever the
// new limits no longer allow. The open step is not affected.
func (e *Engine) ConfigureLimits(limits ResourceLimits) ([]StepID, error) {
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	if err := e.lockChecked(); err != nil {
		return nil, err
	}
	defer e.unlockAndFlush()
	e.limits = limits
	e.logger.Info("resource limits changed",
		"max_log_size_bytes", limits.MaxLogSizeBytes,
		"max_step_count", limits.MaxStepCount,
		"max_single_step_size_bytes", limits.MaxSingleStepSizeBytes,
	)
	e.emitLocked(Event{Kind: EventLimitsChanged})
	return e.evictLocked(), nil
}

// Limits returns the current resource limits.
func (e *Engine) Limits() ResourceLimits {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.limits
}

// LogSize is the on-disk size of committed history.
func (e *Engine) LogSize() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.logSizeLocked()
}

func (e *Engine) logSizeLocked() int64 {
	var total int64
	for _, step := range e.history {
		total += step.record.DiskBytes
	}
	return total
}

// evictLocked drops the oldest committed steps until history fits
// MaxStepCount and then MaxLogSizeBytes. Barriers anchored at evicted
// steps go with them.
func (e *Engine) evictLocked() []StepID {
	var evicted []StepID
	drop := func() {
		oldest := e.history[0]
		if err := os.RemoveAll(oldest.dir); err != nil {
			e.logger.Warn("removing evicted step", "step", oldest.record.ID, "error", err)
		}
		e.history = e.history[1:]
		evicted = append(evicted, oldest.record.ID)
	}

	if limit := e.limits.MaxStepCount; limit > 0 {
		for len(e.history) > limit {
			drop()
		}
	}
	if limit := e.limits.MaxLogSizeBytes; limit > 0 {
		size := e.logSizeLocked()
		for size > limit && len(e.history) > 0 {
			size -= e.history[0].record.DiskBytes
			drop()
		}
	}
	if len(evicted) == 0 {
		return nil
	}

	if e.removeBarriersLocked(evicted) > 0 {
		if err := e.saveBarriersLocked(); err != nil {
			e.logger.Warn("saving barriers after eviction", "error", err)
		}
	}
	e.logger.Info("evicted steps", "steps", evicted)
	e.emitLocked(Event{Kind: EventStepsEvicted, Steps: evicted})
	return evicted
}
