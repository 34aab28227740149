// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/rewind/cmd/rewind/cli"
	"github.com/bureau-foundation/rewind/lib/undo"
)

// Exit codes for rollback outcomes that were reported on stdout.
const (
	exitRollbackBlocked     = 2
	exitRollbackUnprotected = 3
)

type rollbackParams struct {
	commonParams
	Count int
	Force bool
}

// rollbackReport is the --json shape of a rollback.
type rollbackReport struct {
	RolledBack      []undo.StepID  `json:"rolled_back"`
	BarriersCrossed []undo.Barrier `json:"barriers_crossed,omitempty"`
	Blocked         []undo.Barrier `json:"blocked_by,omitempty"`
	Unprotected     undo.StepID    `json:"unprotected_step,omitempty"`
}

func rollbackCommand() *cli.Command {
	var params rollbackParams
	return &cli.Command{
		Name:    "rollback",
		Summary: "Restore the working tree to before the last N steps",
		Description: `Undo the most recent N committed steps, newest first. Every path a
step captured is restored to its state before the step; paths the
step created are removed.

Rollback refuses to cross a barrier (an external modification made
after a step committed) unless --force is given. It stops at a step
marked unprotected, leaving the steps after it rolled back.`,
		Usage: "rewind rollback [-n N] [--force] [flags]",
		Examples: []cli.Example{
			{Description: "Undo the last step", Command: "rewind rollback"},
			{Description: "Undo the last three steps across barriers", Command: "rewind rollback -n 3 --force"},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := newFlagSet("rollback", &params.commonParams)
			flagSet.IntVarP(&params.Count, "count", "n", 1, "number of steps to roll back")
			flagSet.BoolVar(&params.Force, "force", false, "roll back across barriers")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument: %s", args[0])
			}
			if params.Count < 1 {
				return fmt.Errorf("--count must be at least 1, got %d", params.Count)
			}
			ctx := context.Background()
			s, err := params.openSession(ctx, params.logger())
			if err != nil {
				return err
			}
			defer s.Close()

			result, err := s.engine.Rollback(ctx, params.Count, params.Force)
			return reportRollback(os.Stdout, &params.JSONOutput, result, err)
		},
	}
}

// reportRollback prints the outcome and maps blocked and unprotected
// rollbacks to their exit codes.
func reportRollback(w io.Writer, output *cli.JSONOutput, result *undo.RollbackResult, err error) error {
	var blocked *undo.RollbackBlockedError
	var unprotected *undo.StepUnprotectedError
	var report rollbackReport
	code := 0
	switch {
	case errors.As(err, &blocked):
		report.Blocked = blocked.Barriers
		code = exitRollbackBlocked
	case errors.As(err, &unprotected):
		report.RolledBack = unprotected.RolledBack
		report.Unprotected = unprotected.StepID
		code = exitRollbackUnprotected
	case err != nil:
		return err
	default:
		report.RolledBack = result.RolledBack
		report.BarriersCrossed = result.BarriersCrossed
	}

	if output.OutputJSON {
		if err := cli.WriteJSON(w, report); err != nil {
			return err
		}
	} else {
		writeRollback(w, report)
	}
	if code != 0 {
		return &cli.ExitError{Code: code}
	}
	return nil
}

func writeRollback(w io.Writer, report rollbackReport) {
	if len(report.Blocked) > 0 {
		fmt.Fprintln(w, "Rollback blocked by external modifications:")
		writeBarrierList(w, report.Blocked)
		fmt.Fprintln(w, "Re-run with --force to roll back anyway.")
		return
	}
	if len(report.RolledBack) == 0 && report.Unprotected == 0 {
		fmt.Fprintln(w, "nothing to roll back")
		return
	}
	if len(report.RolledBack) > 0 {
		ids := make([]string, len(report.RolledBack))
		for i, id := range report.RolledBack {
			ids[i] = fmt.Sprint(id)
		}
		fmt.Fprintf(w, "Rolled back %d step(s): %s\n", len(report.RolledBack), strings.Join(ids, ", "))
	}
	if len(report.BarriersCrossed) > 0 {
		fmt.Fprintf(w, "Crossed %d barrier(s); external changes to these paths were overwritten:\n", len(report.BarriersCrossed))
		writeBarrierList(w, report.BarriersCrossed)
	}
	if report.Unprotected != 0 {
		fmt.Fprintf(w, "Stopped at step %d: it is unprotected and cannot be rolled back.\n", report.Unprotected)
	}
}
