// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/rewind/cmd/rewind/cli"
	"github.com/bureau-foundation/rewind/lib/journal"
	"github.com/bureau-foundation/rewind/lib/undo"
)

type eventsParams struct {
	commonParams
	Kind  string
	Step  int64
	Limit int
}

func eventsCommand() *cli.Command {
	var params eventsParams
	return &cli.Command{
		Name:    "events",
		Summary: "List recorded engine events, newest first",
		Description: `Read the event journal kept in the log directory. This does not open
the undo log, so it works while 'rewind mount' is running.`,
		Usage: "rewind events [--kind KIND] [--step ID] [--limit N] [flags]",
		Examples: []cli.Example{
			{Description: "Show the last rollbacks", Command: "rewind events --kind rolled_back"},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := newFlagSet("events", &params.commonParams)
			flagSet.StringVar(&params.Kind, "kind", "", "only events of this kind (e.g. step_committed, barrier_created)")
			flagSet.Int64Var(&params.Step, "step", 0, "only events for this step")
			flagSet.IntVar(&params.Limit, "limit", 50, "maximum events to list (0 for all)")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument: %s", args[0])
			}
			if params.Limit < 0 {
				return fmt.Errorf("--limit must not be negative")
			}
			cfg, err := params.loadConfig()
			if err != nil {
				return err
			}
			if !cfg.Journal.Enabled {
				return errors.New("the event journal is disabled in the config")
			}
			logDir, err := cfg.LogDirPath()
			if err != nil {
				return err
			}
			path := filepath.Join(logDir, journal.FileName)
			if _, err := os.Stat(path); err != nil {
				if errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("no event journal at %s", path)
				}
				return err
			}

			ctx := context.Background()
			events, err := journal.Open(ctx, journal.Config{Path: path, Logger: params.logger()})
			if err != nil {
				return err
			}
			defer events.Close()

			records, err := events.List(ctx, journal.Filter{
				Kind:   undo.EventKind(params.Kind),
				StepID: undo.StepID(params.Step),
				Limit:  params.Limit,
			})
			if err != nil {
				return err
			}
			if done, err := params.EmitJSON(records); done {
				return err
			}
			writeEvents(os.Stdout, records)
			return nil
		},
	}
}

func writeEvents(w io.Writer, records []journal.Record) {
	if len(records) == 0 {
		fmt.Fprintln(w, "no events")
		return
	}
	table := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(table, "TIME\tSESSION\tEVENT")
	for _, record := range records {
		sessionID := record.Session
		if len(sessionID) > 8 {
			sessionID = sessionID[:8]
		}
		fmt.Fprintf(table, "%s\t%s\t%s\n",
			record.Time.Local().Format("2006-01-02 15:04:05"), sessionID, formatEvent(record.Event))
	}
	table.Flush()
}
