// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import "github.com/bureau-foundation/rewind/cmd/rewind/cli"

// Root returns the top-level rewind command.
func Root() *cli.Command {
	return &cli.Command{
		Name:    "rewind",
		Summary: "Transactional undo for a working directory",
		Description: `Rewind intercepts writes to a working directory through a FUSE mount,
captures each file's prior state into an undo log, and groups the
captures into steps that can be rolled back newest first.

Only one process may hold the undo log at a time. While 'rewind mount'
runs, the other commands that open the log fail; 'rewind events' still
works.`,
		Subcommands: []*cli.Command{
			mountCommand(),
			historyCommand(),
			showCommand(),
			rollbackCommand(),
			barriersCommand(),
			limitsCommand(),
			recoverCommand(),
			discardCommand(),
			statusCommand(),
			eventsCommand(),
			versionCommand(),
		},
		Examples: []cli.Example{
			{Description: "Mount the current directory", Command: "rewind mount --mountpoint /tmp/work"},
			{Description: "List committed steps", Command: "rewind history"},
			{Description: "Undo the last two steps", Command: "rewind rollback -n 2"},
		},
	}
}
