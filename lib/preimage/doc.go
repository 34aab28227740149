// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package preimage captures and restores the state of a filesystem
// object as it was before a mutation.
//
// A [Store] manages one directory of preimages. Each captured path is
// identified by its [PathHash] and stored as two files:
//
//   - <hash>.dat holds the content of a regular file. It is either a
//     reflink clone of the original (FICLONE, on filesystems that
//     support it) or the content streamed through zstd or lz4.
//   - <hash>.meta is a CBOR [Metadata] sidecar: type, permission bits,
//     mtime, size, extended attributes, symlink target, and whether the
//     object existed before the step touched it.
//
// Paths that did not exist before the mutation get a sidecar only,
// with ExistedBefore false; restoring such a path means deleting it.
//
// Both files are written with the temporary-file, fsync, rename
// protocol from lib/atomicfile, data file first. A sidecar therefore
// never names a data file that is not complete on disk.
//
// Restores never follow symlinks at the target: content is written to
// a temporary file beside the target and renamed over it, and
// timestamps are set with AT_SYMLINK_NOFOLLOW.
package preimage
