// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package undofs mounts a FUSE loopback view of a working tree that
// reports every mutation to an undo engine before passing it through.
//
// The filesystem is go-fuse's LoopbackNode, wrapped with
// NodeWrapChilder so every inode the loopback creates is also wrapped.
// Mutating node operations (create, mkdir, unlink, rmdir, rename,
// setattr, xattrs, link, symlink, copy_file_range) and mutating file
// handle operations (write, fallocate) call the matching
// [undo.Hooks] method inside [undo.Engine.TrackOperation]. A hook
// error fails the syscall:
//
//   - safeguard denied: EPERM
//   - hold queue full: EAGAIN
//   - interrupted or cancelled: EINTR
//   - anything else: EIO
//
// Inode-to-path mapping comes from go-fuse's inode tree, so hooks
// always receive the backing path for the node's current name.
//
// File handles do not expose a passthrough fd. Passthrough would send
// writes straight to the backing file without a hook.
package undofs
