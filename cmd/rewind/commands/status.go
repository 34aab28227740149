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

func statusCommand() *cli.Command {
	var params commonParams
	return &cli.Command{
		Name:    "status",
		Summary: "Show the state of the undo log",
		Usage:   "rewind status [flags]",
		Flags: func() *pflag.FlagSet {
			return newFlagSet("status", &params)
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

			status := s.engine.Status()
			if done, err := params.EmitJSON(status); done {
				return err
			}
			writeStatus(os.Stdout, status)
			return nil
		},
	}
}

func writeStatus(w io.Writer, status undo.Status) {
	fmt.Fprintf(w, "Root:      %s\n", status.Root)
	fmt.Fprintf(w, "Log:       %s\n", status.LogDir)
	if status.Disabled != nil {
		fmt.Fprintf(w, "Undo:      disabled (log format %s, expected %s); run 'rewind discard'\n",
			status.Disabled.Found, status.Disabled.Expected)
	}
	fmt.Fprintf(w, "Steps:     %d (%s)\n", status.Steps, humanize.IBytes(uint64(status.LogSizeBytes)))
	fmt.Fprintf(w, "Limits:    log %s, step %s, count %s\n",
		formatLimit(status.Limits.MaxLogSizeBytes),
		formatLimit(status.Limits.MaxSingleStepSizeBytes),
		formatCount(status.Limits.MaxStepCount))
	fmt.Fprintf(w, "Barriers:  %d\n", status.Barriers)
	fmt.Fprintf(w, "Symlinks:  %s\n", status.Symlinks)
	fmt.Fprintf(w, "External:  %s\n", status.ExternalPolicy)
	if open := status.Open; open != nil {
		fmt.Fprintf(w, "Open step: %d (%s) with %d entries", open.ID, open.Kind, open.Entries)
		if open.Command != "" {
			fmt.Fprintf(w, ": %s", open.Command)
		}
		fmt.Fprintln(w)
	}
	for _, hold := range status.PendingSafeguards {
		fmt.Fprintf(w, "Held:      safeguard %d (%s) on step %d, %d/%d\n",
			hold.ID, hold.Kind, hold.StepID, hold.Count, hold.Threshold)
	}
	if info := status.LastRecovery; info != nil {
		fmt.Fprintf(w, "Recovered: step %d at open (%d restored, %d removed)\n",
			info.StepID, info.PathsRestored, info.PathsDeleted)
	}
}

func formatCount(count int) string {
	if count == 0 {
		return "unlimited"
	}
	return fmt.Sprint(count)
}
