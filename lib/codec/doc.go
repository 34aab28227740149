// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec holds the CBOR configuration shared by every on-disk
// structure in an undo log: preimage sidecars, the in-progress journal,
// committed step manifests, and the barrier log.
//
// Buffer-oriented callers use Marshal and Unmarshal. The journal is an
// append-only CBOR sequence and uses NewEncoder and NewDecoder.
//
// Types that are only ever written to disk carry `cbor` struct tags.
// Types that also appear in CLI --json output carry `json` tags, which
// fxamacker/cbor falls back to when no `cbor` tag is present.
package codec
