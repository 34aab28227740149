// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/rewind/cmd/rewind/cli"
	"github.com/bureau-foundation/rewind/lib/config"
	"github.com/bureau-foundation/rewind/lib/ignore"
	"github.com/bureau-foundation/rewind/lib/journal"
	"github.com/bureau-foundation/rewind/lib/undo"
)

// commonParams are the flags every command accepts.
type commonParams struct {
	cli.JSONOutput
	ConfigPath string
	Root       string
	Verbose    bool
}

func newFlagSet(name string, common *commonParams) *pflag.FlagSet {
	flagSet := pflag.NewFlagSet(name, pflag.ContinueOnError)
	flagSet.StringVar(&common.ConfigPath, "config", "", "config file (default $"+config.EnvVar+", else built-in defaults)")
	flagSet.StringVar(&common.Root, "root", "", "working tree under undo (overrides paths.root)")
	flagSet.BoolVarP(&common.Verbose, "verbose", "v", false, "debug logging")
	common.AddJSONFlag(flagSet)
	return flagSet
}

func (p *commonParams) logger() *slog.Logger {
	level := slog.LevelInfo
	if p.Verbose {
		level = slog.LevelDebug
	}
	return cli.NewCommandLogger(level)
}

// loadConfig resolves configuration from --config, then REWIND_CONFIG,
// then the defaults, and applies --root.
func (p *commonParams) loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	switch {
	case p.ConfigPath != "":
		cfg, err = config.LoadFile(p.ConfigPath)
	case os.Getenv(config.EnvVar) != "":
		cfg, err = config.Load()
	default:
		cfg = config.Default()
	}
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if p.Root != "" {
		cfg.Paths.Root = p.Root
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// session is an open engine plus the journal recording its events.
type session struct {
	config  *config.Config
	engine  *undo.Engine
	journal *journal.Journal
}

// openSession opens the engine exclusively. Extra notifiers receive
// events after the journal.
func (p *commonParams) openSession(ctx context.Context, logger *slog.Logger, extra ...undo.Notifier) (*session, error) {
	cfg, err := p.loadConfig()
	if err != nil {
		return nil, err
	}
	options, err := cfg.EngineOptions()
	if err != nil {
		return nil, err
	}
	options.Logger = logger

	if cfg.RespectGitignore {
		filter, err := ignore.Load(options.Root)
		if err != nil {
			return nil, err
		}
		options.Ignore = filter
		logger.Debug("gitignore rules loaded", "sources", len(filter.Sources()))
	}

	s := &session{config: cfg}
	var notifiers undo.Notifiers
	if cfg.Journal.Enabled {
		if err := os.MkdirAll(options.LogDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating log directory: %w", err)
		}
		s.journal, err = journal.Open(ctx, journal.Config{
			Path:   filepath.Join(options.LogDir, journal.FileName),
			Logger: logger,
		})
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, s.journal)
	}
	notifiers = append(notifiers, extra...)
	if len(notifiers) > 0 {
		options.Notifier = notifiers
	}

	s.engine, err = undo.Open(ctx, options)
	if err != nil {
		if s.journal != nil {
			s.journal.Close()
		}
		if errors.Is(err, undo.ErrLogLocked) {
			return nil, fmt.Errorf("%w (is 'rewind mount' running on this root?)", err)
		}
		return nil, err
	}
	return s, nil
}

func (s *session) Close() error {
	err := s.engine.Close()
	if s.journal != nil {
		err = errors.Join(err, s.journal.Close())
	}
	return err
}
