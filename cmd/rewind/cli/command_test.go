// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"bytes"
	"strings"
	"testing"

	"github.com/spf13/pflag"
)

func TestCommand_Execute_DispatchesToSubcommand(t *testing.T) {
	var called string
	var receivedArgs []string
	root := &Command{
		Name:   "rewind",
		Output: &bytes.Buffer{},
		Subcommands: []*Command{
			{Name: "history", Run: func(args []string) error { called = "history"; return nil }},
			{Name: "show", Run: func(args []string) error {
				called = "show"
				receivedArgs = args
				return nil
			}},
		},
	}

	if err := root.Execute([]string{"show", "3"}); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if called != "show" {
		t.Errorf("dispatched to %q, want show", called)
	}
	if len(receivedArgs) != 1 || receivedArgs[0] != "3" {
		t.Errorf("args = %v, want [3]", receivedArgs)
	}
}

func TestCommand_Execute_FlagParsing(t *testing.T) {
	var count int
	var force bool
	command := &Command{
		Name: "rollback",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("rollback", pflag.ContinueOnError)
			flagSet.IntVarP(&count, "count", "n", 1, "steps to roll back")
			flagSet.BoolVar(&force, "force", false, "cross barriers")
			return flagSet
		},
		Run: func(args []string) error { return nil },
	}

	if err := command.Execute([]string{"-n", "3", "--force"}); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if count != 3 || !force {
		t.Errorf("count=%d force=%v, want 3 true", count, force)
	}
}

func TestCommand_Execute_UnknownCommandSuggests(t *testing.T) {
	root := &Command{
		Name:        "rewind",
		Output:      &bytes.Buffer{},
		Subcommands: []*Command{{Name: "rollback", Run: func([]string) error { return nil }}},
	}
	err := root.Execute([]string{"rolback"})
	if err == nil || !strings.Contains(err.Error(), `did you mean "rollback"`) {
		t.Fatalf("Execute() = %v, want a rollback suggestion", err)
	}
}

func TestCommand_Execute_UnknownFlagSuggests(t *testing.T) {
	var force bool
	command := &Command{
		Name: "rollback",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("rollback", pflag.ContinueOnError)
			flagSet.BoolVar(&force, "force", false, "cross barriers")
			return flagSet
		},
		Run: func([]string) error { return nil },
	}
	err := command.Execute([]string{"--forse"})
	if err == nil || !strings.Contains(err.Error(), "did you mean --force?") {
		t.Fatalf("Execute() = %v, want a --force suggestion", err)
	}
}

func TestCommand_Execute_HelpListsSubcommands(t *testing.T) {
	var help bytes.Buffer
	root := &Command{
		Name:   "rewind",
		Output: &help,
		Subcommands: []*Command{
			{Name: "history", Summary: "list steps"},
			{Name: "rollback", Summary: "undo recent steps"},
		},
	}
	if err := root.Execute([]string{"--help"}); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	for _, want := range []string{"history", "list steps", "rollback", "rewind <command> --help"} {
		if !strings.Contains(help.String(), want) {
			t.Errorf("help missing %q:\n%s", want, help.String())
		}
	}
}

func TestCommand_Execute_SubcommandRequired(t *testing.T) {
	root := &Command{
		Name:        "rewind",
		Output:      &bytes.Buffer{},
		Subcommands: []*Command{{Name: "status"}},
	}
	if err := root.Execute(nil); err == nil {
		t.Fatal("Execute() with no args succeeded")
	}
}

func TestLevenshtein(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"", "abc", 3},
		{"history", "history", 0},
		{"histroy", "history", 2},
		{"barrier", "barriers", 1},
		{"kitten", "sitting", 3},
	}
	for _, tc := range cases {
		if got := levenshtein(tc.a, tc.b); got != tc.want {
			t.Errorf("levenshtein(%q, %q) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestExitError(t *testing.T) {
	var err error = &ExitError{Code: 2}
	coder, ok := err.(interface{ ExitCode() int })
	if !ok || coder.ExitCode() != 2 {
		t.Fatalf("ExitError does not report code 2")
	}
}
