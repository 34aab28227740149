// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/bureau-foundation/rewind/lib/undo"
)

// syncWriter serializes whole writes from concurrent producers.
type syncWriter struct {
	mu     sync.Mutex
	writer io.Writer
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writer.Write(p)
}

// eventPrinter writes engine events as text or JSON lines.
type eventPrinter struct {
	output io.Writer
	json   bool
}

func (p *eventPrinter) Notify(event undo.Event) {
	if p.json {
		data, err := json.Marshal(event)
		if err != nil {
			return
		}
		p.output.Write(append(data, '\n'))
		return
	}
	io.WriteString(p.output, formatEvent(event)+"\n")
}

// formatEvent renders an event as a single human-readable line.
func formatEvent(event undo.Event) string {
	var builder strings.Builder
	builder.WriteString("event ")
	builder.WriteString(string(event.Kind))
	if event.StepID != 0 {
		fmt.Fprintf(&builder, " step=%d", event.StepID)
	}
	if len(event.Steps) > 0 {
		fmt.Fprintf(&builder, " steps=%v", event.Steps)
	}
	if hold := event.Safeguard; hold != nil {
		fmt.Fprintf(&builder, " safeguard=%d kind=%s count=%d threshold=%d", hold.ID, hold.Kind, hold.Count, hold.Threshold)
		if len(hold.SamplePaths) > 0 {
			fmt.Fprintf(&builder, " sample=%s", strings.Join(hold.SamplePaths, ","))
		}
	}
	if event.Decision != "" {
		fmt.Fprintf(&builder, " decision=%s", event.Decision)
	}
	if barrier := event.Barrier; barrier != nil {
		fmt.Fprintf(&builder, " barrier=%d after=%d", barrier.ID, barrier.AfterStepID)
	}
	if recovery := event.Recovery; recovery != nil {
		fmt.Fprintf(&builder, " restored=%d deleted=%d manifest_valid=%t",
			recovery.PathsRestored, recovery.PathsDeleted, recovery.ManifestValid)
	}
	if len(event.Paths) > 0 {
		paths := event.Paths
		suffix := ""
		if len(paths) > 5 {
			suffix = fmt.Sprintf(",+%d", len(paths)-5)
			paths = paths[:5]
		}
		fmt.Fprintf(&builder, " paths=%s%s", strings.Join(paths, ","), suffix)
	}
	if event.Message != "" {
		fmt.Fprintf(&builder, " %q", event.Message)
	}
	return builder.String()
}
