// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package manifest defines the per-step records of an undo log.
//
// A committed step directory holds manifest.cbor, the ordered list of
// first-touch [Entry] values for the step, next to the preimages/
// directory the entries refer to. While a step is open its entries are
// appended to a [Journal] instead, one fsynced CBOR item per first
// touch, so that crash recovery can tell what was captured even if the
// process died between captures.
//
// When a manifest or journal is lost or damaged, [Rebuild] reconstructs
// the entry list from the preimage sidecars, which are written before
// the journal record for the same path. The step's commit order and
// unprotected flag come from commit.cbor, a [Commit] record written
// before the manifest.
package manifest
