// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ignore

import (
	"testing"

	"github.com/bureau-foundation/rewind/lib/testutil"
)

func TestEmptyIgnoresNothing(t *testing.T) {
	for _, filter := range []*Filter{nil, Empty(), {}} {
		if filter.Ignored("target/debug", true) {
			t.Error("empty filter ignored a path")
		}
	}
}

func TestLoadWithoutRules(t *testing.T) {
	root := t.TempDir()
	testutil.WriteFile(t, root, "main.go", "package main")
	filter, err := Load(root)
	if err != nil {
		t.Fatal(err)
	}
	if filter.Ignored("main.go", false) || len(filter.Sources()) != 0 {
		t.Errorf("filter without rules = %+v", filter)
	}
}

func TestRootGitignore(t *testing.T) {
	root := t.TempDir()
	testutil.WriteFile(t, root, ".gitignore", "# build output\ntarget/\n*.log\n\n!keep.log\n")
	filter, err := Load(root)
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		rel     string
		isDir   bool
		ignored bool
	}{
		{"target", true, true},
		{"target/debug/app", false, true},
		{"target", false, false},
		{"server.log", false, true},
		{"logs/deep/server.log", false, true},
		{"keep.log", false, false},
		{"src/main.rs", false, false},
	}
	for _, c := range cases {
		if got := filter.Ignored(c.rel, c.isDir); got != c.ignored {
			t.Errorf("Ignored(%q, dir=%v) = %v, want %v", c.rel, c.isDir, got, c.ignored)
		}
	}
}

func TestNestedGitignoreIsScopedToItsDirectory(t *testing.T) {
	root := t.TempDir()
	testutil.WriteFile(t, root, "web/.gitignore", "dist\n")
	filter, err := Load(root)
	if err != nil {
		t.Fatal(err)
	}
	if !filter.Ignored("web/dist/bundle.js", false) {
		t.Error("web/dist not ignored by web/.gitignore")
	}
	if filter.Ignored("dist/bundle.js", false) {
		t.Error("nested rule leaked to the root")
	}
}

func TestInfoExcludeAndExtraPatterns(t *testing.T) {
	root := t.TempDir()
	testutil.WriteFile(t, root, ".git/info/exclude", "scratch/\n")
	testutil.WriteFile(t, root, ".git/.gitignore", "everything\n")
	filter, err := Load(root, "*.tmp")
	if err != nil {
		t.Fatal(err)
	}
	if !filter.Ignored("scratch/notes.md", false) {
		t.Error("info/exclude rule not applied")
	}
	if !filter.Ignored("a/b.tmp", false) {
		t.Error("extra pattern not applied")
	}
	if filter.Ignored("everything", false) {
		t.Error(".gitignore inside .git was read")
	}
}
