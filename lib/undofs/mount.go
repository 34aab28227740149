// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package undofs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/rewind/lib/undo"
)

// Engine is what the bridge needs from the undo engine.
type Engine interface {
	undo.Hooks
	TrackOperation() (done func())
}

// Options configures the mount.
type Options struct {
	// Root is the backing directory whose writes are intercepted.
	Root string

	// Mountpoint is where the view is mounted. It is created if
	// missing and must not be inside Root.
	Mountpoint string

	Engine Engine

	// AllowOther permits other users to access the mount. Requires
	// user_allow_other in /etc/fuse.conf.
	AllowOther bool

	Logger *slog.Logger
}

// bridge is shared by every node of one mount.
type bridge struct {
	root   string
	engine Engine
	logger *slog.Logger
}

// Mount mounts the loopback view. The caller must call Unmount on the
// returned server, typically after Wait returns or on a signal.
func Mount(options Options) (*fuse.Server, error) {
	if options.Root == "" {
		return nil, errors.New("root is required")
	}
	if options.Mountpoint == "" {
		return nil, errors.New("mountpoint is required")
	}
	if options.Engine == nil {
		return nil, errors.New("engine is required")
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.DiscardHandler)
	}

	root, err := filepath.Abs(options.Root)
	if err != nil {
		return nil, fmt.Errorf("resolving root: %w", err)
	}
	mountpoint, err := filepath.Abs(options.Mountpoint)
	if err != nil {
		return nil, fmt.Errorf("resolving mountpoint: %w", err)
	}
	if within(root, mountpoint) {
		return nil, fmt.Errorf("mountpoint %s is inside root %s", mountpoint, root)
	}

	var st unix.Stat_t
	if err := unix.Stat(root, &st); err != nil {
		return nil, fmt.Errorf("stat root %s: %w", root, err)
	}
	if err := os.MkdirAll(mountpoint, 0o755); err != nil {
		return nil, fmt.Errorf("creating mountpoint %s: %w", mountpoint, err)
	}

	shared := &bridge{root: root, engine: options.Engine, logger: options.Logger}
	loopbackRoot := &gofuse.LoopbackRoot{Path: root, Dev: uint64(st.Dev)}
	rootNode := &node{LoopbackNode: &gofuse.LoopbackNode{RootData: loopbackRoot}, bridge: shared}
	loopbackRoot.RootNode = rootNode

	// Short caches: rollback changes the backing tree behind the
	// kernel's back.
	entryTimeout := 100 * time.Millisecond
	attrTimeout := 100 * time.Millisecond
	negativeTimeout := 100 * time.Millisecond

	server, err := gofuse.Mount(mountpoint, rootNode, &gofuse.Options{
		EntryTimeout:    &entryTimeout,
		AttrTimeout:     &attrTimeout,
		NegativeTimeout: &negativeTimeout,
		MountOptions: fuse.MountOptions{
			FsName:     root,
			Name:       "rewind",
			AllowOther: options.AllowOther,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mounting FUSE filesystem at %s: %w", mountpoint, err)
	}
	options.Logger.Info("undo filesystem mounted", "root", root, "mountpoint", mountpoint)
	return server, nil
}

// within reports whether path is dir or below it. Mounting there
// would feed the view's own traffic back into itself.
func within(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, "../")
}

// errnoFor maps a hook error to the errno returned to the caller.
func errnoFor(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, undo.ErrSafeguardDenied):
		return syscall.EPERM
	case errors.Is(err, undo.ErrHoldQueueFull):
		return syscall.EAGAIN
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), errors.Is(err, undo.ErrStepCancelled):
		return syscall.EINTR
	default:
		return syscall.EIO
	}
}

// refuse logs a hook failure and returns its errno.
func (b *bridge) refuse(operation, path string, err error) syscall.Errno {
	errno := errnoFor(err)
	if errno == syscall.EIO {
		b.logger.Error("undo hook failed", "operation", operation, "path", path, "error", err)
	} else {
		b.logger.Debug("operation refused", "operation", operation, "path", path, "errno", errno, "error", err)
	}
	return errno
}
