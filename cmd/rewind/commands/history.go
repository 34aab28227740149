// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/bureau-foundation/rewind/cmd/rewind/cli"
	"github.com/bureau-foundation/rewind/lib/undo"
)

func historyCommand() *cli.Command {
	var params commonParams
	return &cli.Command{
		Name:    "history",
		Summary: "List committed steps, newest first",
		Usage:   "rewind history [flags]",
		Flags: func() *pflag.FlagSet {
			return newFlagSet("history", &params)
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument: %s", args[0])
			}
			ctx := context.Background()
			s, err := params.openSession(ctx, params.logger())
			if err != nil {
				return err
			}
			defer s.Close()

			history, err := s.engine.History()
			if err != nil {
				return err
			}
			if done, err := params.EmitJSON(history); done {
				return err
			}
			writeHistory(os.Stdout, history)
			return nil
		},
	}
}

func writeHistory(w io.Writer, history []undo.StepRecord) {
	if len(history) == 0 {
		fmt.Fprintln(w, "no steps recorded")
		return
	}
	table := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(table, "STEP\tKIND\tCOMMITTED\tENTRIES\tSIZE\tCOMMAND")
	for _, record := range history {
		command := record.Command
		if record.Unprotected {
			command += " [unprotected]"
		}
		fmt.Fprintf(table, "%d\t%s\t%s\t%d\t%s\t%s\n",
			record.ID,
			record.Kind,
			humanize.Time(record.CommitTime),
			record.Entries,
			humanize.IBytes(uint64(record.SizeBytes)),
			command)
	}
	table.Flush()
}

func showCommand() *cli.Command {
	var params commonParams
	return &cli.Command{
		Name:    "show",
		Summary: "Show the paths one step captured",
		Usage:   "rewind show <step-id> [flags]",
		Flags: func() *pflag.FlagSet {
			return newFlagSet("show", &params)
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: rewind show <step-id>")
			}
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid step id %q", args[0])
			}
			ctx := context.Background()
			s, err := params.openSession(ctx, params.logger())
			if err != nil {
				return err
			}
			defer s.Close()

			step, err := s.engine.Step(undo.StepID(id))
			if err != nil {
				return err
			}
			if done, err := params.EmitJSON(step); done {
				return err
			}
			writeStep(os.Stdout, step)
			return nil
		},
	}
}

func writeStep(w io.Writer, step *undo.StepEntries) {
	record := step.Step
	fmt.Fprintf(w, "Step %d (%s, %s)\n", record.ID, record.Kind, record.Status)
	if record.Command != "" {
		fmt.Fprintf(w, "Command:   %s\n", record.Command)
	}
	fmt.Fprintf(w, "Started:   %s\n", record.StartTime.Format("2006-01-02 15:04:05"))
	if !record.CommitTime.IsZero() {
		fmt.Fprintf(w, "Committed: %s\n", record.CommitTime.Format("2006-01-02 15:04:05"))
	}
	fmt.Fprintf(w, "Size:      %s\n", humanize.IBytes(uint64(record.SizeBytes)))
	if record.Unprotected {
		fmt.Fprintln(w, "Unprotected: this step exceeded the single-step size limit and cannot be rolled back")
	}
	if len(step.Entries) == 0 {
		return
	}
	fmt.Fprintln(w)
	table := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(table, "ACTION\tTYPE\tSIZE\tPATH")
	for _, entry := range step.Entries {
		action := "modified"
		if !entry.ExistedBefore {
			action = "created"
		}
		size := "-"
		if entry.Size > 0 {
			size = humanize.IBytes(uint64(entry.Size))
		}
		path := entry.Path
		if entry.SymlinkTarget != "" {
			path += " -> " + entry.SymlinkTarget
		}
		fmt.Fprintf(table, "%s\t%s\t%s\t%s\n", action, entry.Type, size, path)
	}
	table.Flush()
}
