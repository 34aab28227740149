// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package manifest

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/bureau-foundation/rewind/lib/codec"
)

// Header is the first item of a journal.
type Header struct {
	StepID        int64  `cbor:"step_id"`
	Kind          Kind   `cbor:"kind"`
	Command       string `cbor:"command,omitempty"`
	StartUnixNano int64  `cbor:"start_ns"`
}

// Journal is the append-only record of first touches for the open
// step.
type Journal struct {
	file    *os.File
	encoder *codec.Encoder
}

// CreateJournal creates path, writes header, and fsyncs.
func CreateJournal(path string, header Header) (*Journal, error) {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("creating journal: %w", err)
	}
	journal := &Journal{file: file, encoder: codec.NewEncoder(file)}
	if err := journal.append(header); err != nil {
		file.Close()
		os.Remove(path)
		return nil, err
	}
	return journal, nil
}

// Append records one entry durably.
func (j *Journal) Append(entry Entry) error {
	return j.append(entry)
}

func (j *Journal) append(item any) error {
	if err := j.encoder.Encode(item); err != nil {
		return fmt.Errorf("appending to journal: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("syncing journal: %w", err)
	}
	return nil
}

// Close closes the journal file.
func (j *Journal) Close() error {
	return j.file.Close()
}

// ReadJournal decodes a journal. complete is false when the file ends
// in a partial item; the entries decoded before it are still returned.
// A missing or undecodable header is reported as ErrCorrupt.
func ReadJournal(path string) (header Header, entries []Entry, complete bool, err error) {
	file, err := os.Open(path)
	if err != nil {
		return Header{}, nil, false, err
	}
	defer file.Close()

	decoder := codec.NewDecoder(file)
	if err := decoder.Decode(&header); err != nil {
		return Header{}, nil, false, fmt.Errorf("journal header: %w: %v", ErrCorrupt, err)
	}
	for {
		var entry Entry
		err := decoder.Decode(&entry)
		if errors.Is(err, io.EOF) {
			return header, entries, true, nil
		}
		if err != nil {
			return header, entries, false, nil
		}
		entries = append(entries, entry)
	}
}
