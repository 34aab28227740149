// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/rewind/cmd/rewind/cli"
	"github.com/bureau-foundation/rewind/lib/undo"
	"github.com/bureau-foundation/rewind/lib/undofs"
	"github.com/bureau-foundation/rewind/lib/watch"
)

type mountParams struct {
	commonParams
	Mountpoint string
	AllowOther bool
	NoWatch    bool
}

func mountCommand() *cli.Command {
	var params mountParams
	return &cli.Command{
		Name:    "mount",
		Summary: "Mount the working tree with write interception",
		Description: `Mount a FUSE view of the working tree. Every mutation made through
the mountpoint is captured into the undo log before it reaches the
backing directory.

Steps are driven by control lines on stdin:

  open <id> <command>   begin command step <id>
  close <id>            commit step <id> once in-flight writes settle
  cancel <id>           roll back and discard step <id>
  allow <sid>           release safeguard hold <sid>
  deny <sid>            refuse the operations held by <sid>

Engine events and control replies are written to stdout. Changes made
to the backing directory outside the mount are detected by a watcher
and recorded as barriers. SIGINT or SIGTERM unmounts.`,
		Usage: "rewind mount --mountpoint <dir> [flags]",
		Examples: []cli.Example{
			{
				Description: "Mount the current directory at /tmp/work",
				Command:     "rewind mount --mountpoint /tmp/work",
			},
			{
				Description: "Drive steps from a script with JSON replies",
				Command:     "printf 'open 1 make\\nclose 1\\n' | rewind mount --mountpoint /tmp/work --json",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := newFlagSet("mount", &params.commonParams)
			flagSet.StringVar(&params.Mountpoint, "mountpoint", "", "where to mount the view (required)")
			flagSet.BoolVar(&params.AllowOther, "allow-other", false, "let other users access the mount")
			flagSet.BoolVar(&params.NoWatch, "no-watch", false, "do not watch the backing directory for external changes")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument: %s", args[0])
			}
			if params.Mountpoint == "" {
				return errors.New("--mountpoint is required")
			}
			return runMount(&params)
		},
	}
}

func runMount(params *mountParams) error {
	logger := params.logger()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mountpoint, err := filepath.Abs(params.Mountpoint)
	if err != nil {
		return err
	}

	output := &syncWriter{writer: os.Stdout}
	printer := &eventPrinter{output: output, json: params.OutputJSON}
	s, err := params.openSession(ctx, logger, printer)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			logger.Error("closing undo log", "error", err)
		}
	}()
	engine := s.engine

	if disabled := engine.Disabled(); disabled != nil {
		logger.Warn("undo log format mismatch, writes will not be captured",
			"expected", disabled.Expected, "found", disabled.Found)
	}
	if info := engine.LastRecovery(); info != nil {
		logger.Info("recovered interrupted step",
			"step", info.StepID,
			"restored", info.PathsRestored,
			"deleted", info.PathsDeleted,
			"manifest_valid", info.ManifestValid)
	}
	if s.journal != nil && s.config.Journal.Keep > 0 {
		pruned, err := s.journal.Prune(ctx, s.config.Journal.Keep)
		if err != nil {
			logger.Warn("pruning event journal", "error", err)
		} else if pruned > 0 {
			logger.Debug("pruned event journal", "removed", pruned)
		}
	}

	server, err := undofs.Mount(undofs.Options{
		Root:       engine.Root(),
		Mountpoint: mountpoint,
		Engine:     engine,
		AllowOther: params.AllowOther,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	logger.Info("mounted", "root", engine.Root(), "mountpoint", mountpoint)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.config.Watch.Enabled && !params.NoWatch {
		watcher, err := startWatcher(runCtx, engine, time.Duration(s.config.Watch.Debounce), logger)
		if err != nil {
			server.Unmount()
			return err
		}
		defer watcher.Close()
	}

	serverDone := make(chan struct{})
	go func() {
		server.Wait()
		close(serverDone)
	}()

	loop := &controlLoop{controller: engine, output: output, json: params.OutputJSON, logger: logger}
	controlDone := make(chan error, 1)
	go func() { controlDone <- loop.run(runCtx, os.Stdin) }()

	select {
	case <-ctx.Done():
	case <-serverDone:
		logger.Warn("filesystem unmounted externally")
	case err := <-controlDone:
		if err != nil {
			logger.Error("control input failed", "error", err)
		}
		select {
		case <-ctx.Done():
		case <-serverDone:
			logger.Warn("filesystem unmounted externally")
		}
	}
	cancel()

	if record, open := engine.OpenRecord(); open && record.Kind == undo.KindCommand {
		logger.Warn("command step still open at shutdown, it will be rolled back on next start",
			"step", record.ID, "command", record.Command)
	}

	select {
	case <-serverDone:
	default:
		if err := server.Unmount(); err != nil {
			logger.Error("unmounting", "mountpoint", mountpoint, "error", err)
		}
		<-serverDone
	}
	logger.Info("unmounted", "mountpoint", mountpoint)
	return nil
}

// startWatcher reports changes to the backing directory that did not
// come through the mount as external modifications.
func startWatcher(ctx context.Context, engine *undo.Engine, debounce time.Duration, logger *slog.Logger) (*watch.Watcher, error) {
	root := engine.Root()
	watcher, err := watch.New(watch.Options{
		Root: root,
		Exclude: func(rel string, isDir bool) bool {
			return engine.Excluded(rel, isDir) || engine.IsOwnWrite(filepath.Join(root, filepath.FromSlash(rel)))
		},
		Debounce: debounce,
		Logger:   logger,
		OnChange: func(paths []string) {
			barrier, err := engine.NotifyExternalModification(paths)
			switch {
			case errors.Is(err, undo.ErrExternalLocked):
				logger.Warn("external modification while the log is locked", "paths", len(paths))
			case err != nil:
				logger.Error("recording external modification", "error", err)
			case barrier != nil:
				logger.Info("external modification recorded as barrier",
					"barrier", barrier.ID, "after_step", barrier.AfterStepID, "paths", len(paths))
			}
		},
	})
	if err != nil {
		return nil, err
	}
	go func() {
		if err := watcher.Run(ctx); err != nil {
			logger.Error("watcher stopped", "error", err)
		}
	}()
	return watcher, nil
}
