// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/bureau-foundation/rewind/cmd/rewind/cli"
	"github.com/bureau-foundation/rewind/lib/undo"
)

func barriersCommand() *cli.Command {
	var params commonParams
	return &cli.Command{
		Name:    "barriers",
		Summary: "List external modifications recorded against the history",
		Usage:   "rewind barriers [flags]",
		Flags: func() *pflag.FlagSet {
			return newFlagSet("barriers", &params)
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

			barriers, err := s.engine.Barriers()
			if err != nil {
				return err
			}
			if done, err := params.EmitJSON(barriers); done {
				return err
			}
			if len(barriers) == 0 {
				fmt.Println("no barriers")
				return nil
			}
			writeBarrierList(os.Stdout, barriers)
			return nil
		},
	}
}

const barrierSamplePaths = 3

func writeBarrierList(w io.Writer, barriers []undo.Barrier) {
	for _, barrier := range barriers {
		paths := barrier.Paths
		more := ""
		if len(paths) > barrierSamplePaths {
			more = fmt.Sprintf(" (+%d more)", len(paths)-barrierSamplePaths)
			paths = paths[:barrierSamplePaths]
		}
		fmt.Fprintf(w, "  barrier %d after step %d, %s: %s%s\n",
			barrier.ID, barrier.AfterStepID, humanize.Time(barrier.Time), strings.Join(paths, ", "), more)
	}
}
