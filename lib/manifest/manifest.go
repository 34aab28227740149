// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/bureau-foundation/rewind/lib/atomicfile"
	"github.com/bureau-foundation/rewind/lib/codec"
	"github.com/bureau-foundation/rewind/lib/preimage"
)

// File names inside a step directory.
const (
	ManifestFile = "manifest.cbor"
	CommitFile   = "commit.cbor"
	JournalFile  = "journal"
	PreimageDir  = "preimages"
)

// ErrCorrupt marks a manifest or journal that cannot be decoded.
var ErrCorrupt = errors.New("corrupt manifest")

// Kind classifies how a step was opened.
type Kind uint8

const (
	KindCommand Kind = iota
	KindAmbient
	KindAPI
)

func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindAmbient:
		return "ambient"
	case KindAPI:
		return "api"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	switch k {
	case KindCommand, KindAmbient, KindAPI:
		return []byte(k.String()), nil
	}
	return nil, fmt.Errorf("invalid step kind %d", uint8(k))
}

func (k *Kind) UnmarshalText(text []byte) error {
	switch string(text) {
	case "command":
		*k = KindCommand
	case "ambient":
		*k = KindAmbient
	case "api":
		*k = KindAPI
	default:
		return fmt.Errorf("unknown step kind %q", text)
	}
	return nil
}

// Entry is one first-touch record. Ref names the preimage blob and is
// set only when the path existed before the step.
type Entry struct {
	preimage.Metadata
	Ref string `json:"ref,omitempty"`
}

// NewEntry builds the entry for a freshly captured or created path.
func NewEntry(meta preimage.Metadata) Entry {
	entry := Entry{Metadata: meta}
	if meta.ExistedBefore {
		entry.Ref = preimage.PathHash(meta.Path)
	}
	return entry
}

// Manifest describes one committed step.
type Manifest struct {
	StepID  int64  `json:"step_id"`
	Kind    Kind   `json:"kind"`
	Command string `json:"command,omitempty"`

	StartUnixNano  int64 `json:"start_ns"`
	CommitUnixNano int64 `json:"commit_ns,omitempty"`

	// Sequence orders committed steps by commit time. Ambient steps
	// have negative ids, so ids alone cannot order history.
	Sequence uint64 `json:"sequence"`

	// Unprotected is set when the step outgrew the per-step capture
	// budget and stopped recording preimages.
	Unprotected bool `json:"unprotected,omitempty"`

	// SizeBytes is the sum of StoredBytes over the entries.
	SizeBytes int64 `json:"size_bytes"`

	// Rebuilt is set when the manifest was reconstructed from
	// sidecars rather than written at commit time.
	Rebuilt bool `json:"rebuilt,omitempty"`

	Entries []Entry `json:"entries"`
}

// Write stores m as dir/manifest.cbor.
func Write(dir string, m *Manifest) error {
	data, err := codec.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding manifest for step %d: %w", m.StepID, err)
	}
	if err := atomicfile.WriteFile(filepath.Join(dir, ManifestFile), data, 0o600); err != nil {
		return fmt.Errorf("writing manifest for step %d: %w", m.StepID, err)
	}
	return nil
}

// Read loads dir/manifest.cbor. A file that exists but does not decode
// yields an error wrapping ErrCorrupt.
func Read(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := codec.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%s: %w: %v", dir, ErrCorrupt, err)
	}
	return &m, nil
}

// Commit is the small record written beside the manifest before a
// step is promoted. It carries everything except the entries, so the
// history order and the unprotected flag survive a damaged manifest.
type Commit struct {
	StepID         int64  `json:"step_id"`
	Kind           Kind   `json:"kind"`
	Command        string `json:"command,omitempty"`
	StartUnixNano  int64  `json:"start_ns"`
	CommitUnixNano int64  `json:"commit_ns"`
	Sequence       uint64 `json:"sequence"`
	Unprotected    bool   `json:"unprotected,omitempty"`
}

// CommitOf extracts the commit record of m.
func CommitOf(m *Manifest) *Commit {
	return &Commit{
		StepID:         m.StepID,
		Kind:           m.Kind,
		Command:        m.Command,
		StartUnixNano:  m.StartUnixNano,
		CommitUnixNano: m.CommitUnixNano,
		Sequence:       m.Sequence,
		Unprotected:    m.Unprotected,
	}
}

// WriteCommit stores c as dir/commit.cbor.
func WriteCommit(dir string, c *Commit) error {
	data, err := codec.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding commit record for step %d: %w", c.StepID, err)
	}
	if err := atomicfile.WriteFile(filepath.Join(dir, CommitFile), data, 0o600); err != nil {
		return fmt.Errorf("writing commit record for step %d: %w", c.StepID, err)
	}
	return nil
}

// ReadCommit loads dir/commit.cbor. A file that does not decode yields
// an error wrapping ErrCorrupt.
func ReadCommit(dir string) (*Commit, error) {
	data, err := os.ReadFile(filepath.Join(dir, CommitFile))
	if err != nil {
		return nil, err
	}
	var c Commit
	if err := codec.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%s: commit record: %w: %v", dir, ErrCorrupt, err)
	}
	return &c, nil
}

// Rebuild reconstructs a manifest for stepID from the sidecars in
// dir/preimages. Entries are ordered by path, parents before children.
// skipped counts sidecars that could not be used.
//
// Step metadata comes from dir/commit.cbor when it is readable. Without
// it the commit order is unknown and Sequence is left zero. The result
// is Unprotected when the commit record says so, when the record is
// missing, or when any sidecar was skipped.
func Rebuild(stepID int64, dir string) (*Manifest, int, error) {
	store := preimage.NewStore("", filepath.Join(dir, PreimageDir), preimage.Options{})
	sidecars, skipped, err := store.Scan()
	if err != nil {
		return nil, skipped, err
	}
	m := &Manifest{StepID: stepID, Kind: KindCommand, Rebuilt: true}
	if stepID < 0 {
		m.Kind = KindAmbient
	}
	if commit, err := ReadCommit(dir); err == nil && commit.StepID == stepID {
		m.Kind = commit.Kind
		m.Command = commit.Command
		m.StartUnixNano = commit.StartUnixNano
		m.CommitUnixNano = commit.CommitUnixNano
		m.Sequence = commit.Sequence
		m.Unprotected = commit.Unprotected
	} else {
		m.Unprotected = true
	}
	if skipped > 0 {
		m.Unprotected = true
	}
	m.Entries = Merge(nil, sidecars)
	sort.SliceStable(m.Entries, func(i, j int) bool {
		return m.Entries[i].Path < m.Entries[j].Path
	})
	m.SizeBytes = TotalStored(m.Entries)
	return m, skipped, nil
}

// Merge appends to entries every sidecar whose path is not already
// present. Order of the existing entries is kept.
func Merge(entries []Entry, sidecars []preimage.Metadata) []Entry {
	seen := make(map[string]bool, len(entries))
	for _, entry := range entries {
		seen[entry.Path] = true
	}
	for _, meta := range sidecars {
		if seen[meta.Path] {
			continue
		}
		seen[meta.Path] = true
		entries = append(entries, NewEntry(meta))
	}
	return entries
}

// TotalStored sums the stored bytes of entries.
func TotalStored(entries []Entry) int64 {
	var total int64
	for _, entry := range entries {
		total += entry.StoredBytes
	}
	return total
}
