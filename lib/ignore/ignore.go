// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ignore matches root-relative paths against the gitignore
// rules found in a working tree. The undo engine uses it to skip
// build output and other regenerable files, and the watcher uses it to
// avoid reporting them as external modifications.
package ignore

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
)

// Filter answers whether a path is ignored. The zero value and Empty
// ignore nothing.
type Filter struct {
	matcher gitignore.Matcher
	sources []string
}

// Empty returns a filter that ignores nothing.
func Empty() *Filter { return &Filter{} }

// Load collects .git/info/exclude and every .gitignore under root,
// outside .git directories, in the precedence order git uses: the
// exclude file lowest, then shallower .gitignore files before deeper
// ones. extra patterns are rooted at root and take precedence over
// all of them.
func Load(root string, extra ...string) (*Filter, error) {
	var patterns []gitignore.Pattern
	var sources []string

	exclude := filepath.Join(root, ".git", "info", "exclude")
	excluded, err := readPatterns(exclude, nil)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	if err == nil {
		patterns = append(patterns, excluded...)
		sources = append(sources, exclude)
	}

	err = filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if path != root && errors.Is(err, fs.ErrPermission) {
				return filepath.SkipDir
			}
			return err
		}
		if !entry.IsDir() {
			return nil
		}
		if entry.Name() == ".git" && path != root {
			return filepath.SkipDir
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		var domain []string
		if rel != "." {
			domain = strings.Split(filepath.ToSlash(rel), "/")
		}
		file := filepath.Join(path, ".gitignore")
		found, err := readPatterns(file, domain)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		patterns = append(patterns, found...)
		sources = append(sources, file)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("loading gitignore rules under %s: %w", root, err)
	}

	for _, line := range extra {
		if pattern, ok := parseLine(line, nil); ok {
			patterns = append(patterns, pattern)
		}
	}
	if len(patterns) == 0 {
		return Empty(), nil
	}
	return &Filter{matcher: gitignore.NewMatcher(patterns), sources: sources}, nil
}

// Sources lists the files the rules were read from.
func (f *Filter) Sources() []string {
	if f == nil {
		return nil
	}
	return f.sources
}

// Ignored reports whether rel, or any directory above it, is ignored.
// rel is slash-separated and relative to the root passed to Load.
func (f *Filter) Ignored(rel string, isDir bool) bool {
	if f == nil || f.matcher == nil || rel == "" || rel == "." {
		return false
	}
	parts := strings.Split(rel, "/")
	for i := 1; i < len(parts); i++ {
		if f.matcher.Match(parts[:i], true) {
			return true
		}
	}
	return f.matcher.Match(parts, isDir)
}

func readPatterns(path string, domain []string) ([]gitignore.Pattern, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var patterns []gitignore.Pattern
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if pattern, ok := parseLine(scanner.Text(), domain); ok {
			patterns = append(patterns, pattern)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return patterns, nil
}

func parseLine(line string, domain []string) (gitignore.Pattern, bool) {
	line = strings.TrimSuffix(line, "\r")
	if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "#") {
		return nil, false
	}
	return gitignore.ParsePattern(line, domain), true
}
