// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package atomicfile writes files so that readers and crash recovery
// never observe partial content.
//
// Every write goes to a temporary file in the destination directory.
// The temporary file is fsynced, renamed into place, and the directory
// is fsynced so the rename itself survives power loss. Preimage blobs,
// sidecars, step manifests, the barrier log, and the version marker
// are all written this way.
package atomicfile
