// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/bureau-foundation/rewind/cmd/rewind/cli"
	"github.com/bureau-foundation/rewind/lib/undo"
)

func recoverCommand() *cli.Command {
	var params commonParams
	return &cli.Command{
		Name:    "recover",
		Summary: "Roll back a step left in progress by a crash",
		Description: `Restore every path captured by a step that was still open when the
previous process died. Opening the log already does this; the command
reports what was recovered.`,
		Usage: "rewind recover [flags]",
		Flags: func() *pflag.FlagSet {
			return newFlagSet("recover", &params)
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

			info := s.engine.LastRecovery()
			if info == nil {
				info, err = s.engine.Recover(ctx)
				if err != nil {
					return err
				}
			}
			if done, err := params.EmitJSON(info); done {
				return err
			}
			writeRecovery(os.Stdout, info)
			return nil
		},
	}
}

func writeRecovery(w io.Writer, info *undo.RecoveryInfo) {
	if info == nil {
		fmt.Fprintln(w, "nothing to recover")
		return
	}
	fmt.Fprintf(w, "Recovered step %d: %d path(s) restored, %d removed\n",
		info.StepID, info.PathsRestored, info.PathsDeleted)
	if !info.ManifestValid {
		fmt.Fprintln(w, "The step's record was incomplete; restored from the captured preimages that survived.")
	}
}

type discardParams struct {
	commonParams
	Yes bool
}

func discardCommand() *cli.Command {
	var params discardParams
	return &cli.Command{
		Name:    "discard",
		Summary: "Delete all undo history without restoring anything",
		Description: `Delete every committed step, every barrier, and any in-progress step,
then reinitialize the log. The working tree is left as it is. This is
the only way to reuse a log written by an incompatible version.`,
		Usage: "rewind discard [--yes] [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := newFlagSet("discard", &params.commonParams)
			flagSet.BoolVarP(&params.Yes, "yes", "y", false, "do not ask for confirmation")
			return flagSet
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

			if !params.Yes {
				history, err := s.engine.History()
				if err != nil && s.engine.Disabled() == nil {
					return err
				}
				confirmed, err := confirm(fmt.Sprintf("Discard %d step(s) of undo history in %s?", len(history), s.engine.LogDir()))
				if err != nil {
					return err
				}
				if !confirmed {
					fmt.Fprintln(os.Stderr, "aborted")
					return &cli.ExitError{Code: 1}
				}
			}
			if err := s.engine.Discard(ctx); err != nil {
				return err
			}
			fmt.Println("undo history discarded")
			return nil
		},
	}
}

// confirm asks a yes/no question on a terminal. Without one it fails,
// so scripts must pass --yes.
func confirm(question string) (bool, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return false, errors.New("stdin is not a terminal; pass --yes to confirm")
	}
	fmt.Fprintf(os.Stderr, "%s [y/N] ", question)
	answer, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("reading confirmation: %w", err)
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes", nil
}
