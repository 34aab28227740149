// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/rewind/cmd/rewind/cli"
	"github.com/bureau-foundation/rewind/lib/version"
)

func versionCommand() *cli.Command {
	var params cli.JSONOutput
	return &cli.Command{
		Name:    "version",
		Summary: "Print version information",
		Usage:   "rewind version [--json]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("version", pflag.ContinueOnError)
			params.AddJSONFlag(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			if done, err := params.EmitJSON(version.Current()); done {
				return err
			}
			fmt.Printf("rewind %s\n", version.Full())
			return nil
		},
	}
}
