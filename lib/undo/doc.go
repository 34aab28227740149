// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package undo records enough state before every mutating filesystem
// operation under a root to reverse it, and groups those records into
// steps that can be rolled back newest first.
//
// A filesystem bridge holds an [Engine] and calls its [Hooks] before
// (or, for creations, after) each host call. The first time a step
// touches a path the engine stores a preimage: the file's content,
// mode, mtime, extended attributes, or symlink target, or a marker
// that the path did not exist. Later touches in the same step are
// free.
//
// Steps come from three places. [Engine.OpenStep] and
// [Engine.CloseStep] bracket a command with a caller-chosen positive
// id. [Engine.OpenAPIStep] allocates the next positive id for a
// programmatic edit. Writes that arrive with no step open start an
// ambient step with a negative id, which commits itself after a period
// of inactivity.
//
// The on-disk log lives in the log directory, .rewind under the root
// by default:
//
//	version            log format marker
//	lock               flock held by the owning engine
//	barriers.cbor      external-modification barriers
//	wal/in_progress/   the open step: journal, preimages/
//	steps/<id>/        committed steps: manifest.cbor, preimages/
//
// A step commits by writing its manifest into the in-progress area and
// renaming the area to steps/<id>. Anything still in wal/in_progress
// when an engine opens was interrupted, and [Engine.Recover] rolls it
// back from its manifest, its journal, or failing both, the preimage
// sidecars alone.
//
// Safeguards hold a hook before a destructive operation crosses a
// threshold. The hook blocks, with every later hook queued behind it,
// until [Engine.ConfirmSafeguard] or the configured
// [SafeguardHandler] decides. Deny rolls the whole step back.
//
// Barriers record out-of-band edits reported through
// [Engine.NotifyExternalModification]. A rollback that would reach
// behind one is refused unless forced.
package undo
