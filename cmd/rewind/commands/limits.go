// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/bureau-foundation/rewind/cmd/rewind/cli"
	"github.com/bureau-foundation/rewind/lib/undo"
)

type limitsParams struct {
	commonParams
	MaxLogSize  string
	MaxStepSize string
	MaxSteps    int

	flagSet *pflag.FlagSet
}

// limitsReport is the --json shape of the limits command.
type limitsReport struct {
	Limits       undo.ResourceLimits `json:"limits"`
	LogSizeBytes int64               `json:"log_size_bytes"`
	Evicted      []undo.StepID       `json:"evicted,omitempty"`
}

func limitsCommand() *cli.Command {
	var params limitsParams
	return &cli.Command{
		Name:    "limits",
		Summary: "Show or apply resource limits and evict to fit",
		Description: `Without flags, print the configured resource limits and the current
log size. With flags, apply the given limits on top of the configured
ones and evict the oldest steps until the log fits. Zero means
unlimited. Sizes accept units such as 512MiB or 2GB.

Limits set here are applied once. Put them in the config file to keep
them for later mounts.`,
		Usage: "rewind limits [--max-log-size SIZE] [--max-step-size SIZE] [--max-steps N] [flags]",
		Examples: []cli.Example{
			{Description: "Cap history at 1 GiB and 50 steps", Command: "rewind limits --max-log-size 1GiB --max-steps 50"},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := newFlagSet("limits", &params.commonParams)
			flagSet.StringVar(&params.MaxLogSize, "max-log-size", "", "cap on the total undo log size (0 for unlimited)")
			flagSet.StringVar(&params.MaxStepSize, "max-step-size", "", "steps larger than this are marked unprotected (0 for unlimited)")
			flagSet.IntVar(&params.MaxSteps, "max-steps", 0, "cap on the number of committed steps (0 for unlimited)")
			params.flagSet = flagSet
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument: %s", args[0])
			}
			s, err := params.openSession(context.Background(), params.logger())
			if err != nil {
				return err
			}
			defer s.Close()

			limits, changed, err := params.apply(s.engine.Limits())
			if err != nil {
				return err
			}
			report := limitsReport{Limits: limits}
			if changed {
				report.Evicted, err = s.engine.ConfigureLimits(limits)
				if err != nil {
					return err
				}
			}
			report.LogSizeBytes = s.engine.LogSize()

			if done, err := params.EmitJSON(report); done {
				return err
			}
			writeLimits(os.Stdout, report)
			return nil
		},
	}
}

// apply overlays the flags that were set on current.
func (p *limitsParams) apply(current undo.ResourceLimits) (undo.ResourceLimits, bool, error) {
	changed := false
	if p.flagSet == nil {
		return current, false, nil
	}
	if p.flagSet.Changed("max-log-size") {
		size, err := humanize.ParseBytes(p.MaxLogSize)
		if err != nil {
			return current, false, fmt.Errorf("--max-log-size: %w", err)
		}
		current.MaxLogSizeBytes = int64(size)
		changed = true
	}
	if p.flagSet.Changed("max-step-size") {
		size, err := humanize.ParseBytes(p.MaxStepSize)
		if err != nil {
			return current, false, fmt.Errorf("--max-step-size: %w", err)
		}
		current.MaxSingleStepSizeBytes = int64(size)
		changed = true
	}
	if p.flagSet.Changed("max-steps") {
		current.MaxStepCount = p.MaxSteps
		changed = true
	}
	if changed {
		if err := current.Validate(); err != nil {
			return current, false, err
		}
	}
	return current, changed, nil
}

func formatLimit(bytes int64) string {
	if bytes == 0 {
		return "unlimited"
	}
	return humanize.IBytes(uint64(bytes))
}

func writeLimits(w io.Writer, report limitsReport) {
	fmt.Fprintf(w, "Max log size:  %s\n", formatLimit(report.Limits.MaxLogSizeBytes))
	fmt.Fprintf(w, "Max step size: %s\n", formatLimit(report.Limits.MaxSingleStepSizeBytes))
	fmt.Fprintf(w, "Max steps:     %s\n", formatCount(report.Limits.MaxStepCount))
	fmt.Fprintf(w, "Log size:      %s\n", humanize.IBytes(uint64(report.LogSizeBytes)))
	if len(report.Evicted) > 0 {
		fmt.Fprintf(w, "Evicted steps: %v\n", report.Evicted)
	}
}
