// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/bureau-foundation/rewind/lib/undo"
)

// stepController is the part of the engine the control protocol drives.
type stepController interface {
	OpenStep(ctx context.Context, id undo.StepID, command string) error
	CloseStep(ctx context.Context, id undo.StepID) (*undo.CloseResult, error)
	CancelStep(ctx context.Context, id undo.StepID) error
	ConfirmSafeguard(id uint64, decision undo.Decision) error
}

// controlVerb names a control line.
type controlVerb string

const (
	verbOpen   controlVerb = "open"
	verbClose  controlVerb = "close"
	verbCancel controlVerb = "cancel"
	verbAllow  controlVerb = "allow"
	verbDeny   controlVerb = "deny"
)

// controlCommand is one parsed control line.
type controlCommand struct {
	Verb        controlVerb
	StepID      undo.StepID
	Command     string
	SafeguardID uint64
}

// controlReply reports the outcome of a control command.
type controlReply struct {
	Line   string            `json:"line"`
	OK     bool              `json:"ok"`
	Error  string            `json:"error,omitempty"`
	Closed *undo.CloseResult `json:"closed,omitempty"`
}

// parseControl parses "open <id> <command...>", "close <id>",
// "cancel <id>", "allow <sid>", or "deny <sid>".
func parseControl(line string) (controlCommand, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return controlCommand{}, fmt.Errorf("malformed control line %q", line)
	}
	verb := controlVerb(fields[0])
	switch verb {
	case verbOpen, verbClose, verbCancel:
		id, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil || id <= 0 {
			return controlCommand{}, fmt.Errorf("invalid step id %q", fields[1])
		}
		command := controlCommand{Verb: verb, StepID: undo.StepID(id)}
		if verb == verbOpen {
			if len(fields) < 3 {
				return controlCommand{}, fmt.Errorf("open requires a command description")
			}
			command.Command = strings.Join(fields[2:], " ")
		} else if len(fields) > 2 {
			return controlCommand{}, fmt.Errorf("%s takes a single step id", verb)
		}
		return command, nil
	case verbAllow, verbDeny:
		if len(fields) > 2 {
			return controlCommand{}, fmt.Errorf("%s takes a single safeguard id", verb)
		}
		id, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return controlCommand{}, fmt.Errorf("invalid safeguard id %q", fields[1])
		}
		return controlCommand{Verb: verb, SafeguardID: id}, nil
	default:
		return controlCommand{}, fmt.Errorf("unknown control verb %q", fields[0])
	}
}

func applyControl(ctx context.Context, controller stepController, command controlCommand) (*undo.CloseResult, error) {
	switch command.Verb {
	case verbOpen:
		return nil, controller.OpenStep(ctx, command.StepID, command.Command)
	case verbClose:
		return controller.CloseStep(ctx, command.StepID)
	case verbCancel:
		return nil, controller.CancelStep(ctx, command.StepID)
	case verbAllow:
		return nil, controller.ConfirmSafeguard(command.SafeguardID, undo.Allow)
	case verbDeny:
		return nil, controller.ConfirmSafeguard(command.SafeguardID, undo.Deny)
	}
	return nil, fmt.Errorf("unknown control verb %q", command.Verb)
}

// controlLoop reads control lines from input until EOF or ctx is
// done. Safeguard decisions apply immediately; step commands run in
// order on a separate goroutine, so a close that waits on a held
// write can still be unblocked by a later allow or deny.
type controlLoop struct {
	controller stepController
	output     io.Writer
	json       bool
	logger     *slog.Logger

	mu sync.Mutex
}

func (l *controlLoop) run(ctx context.Context, input io.Reader) error {
	steps := make(chan controlCommandLine)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for item := range steps {
			closed, err := applyControl(ctx, l.controller, item.command)
			l.reply(item.line, closed, err)
		}
	}()
	defer func() {
		close(steps)
		wg.Wait()
	}()

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(input)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-scanErr:
			if err != nil {
				return fmt.Errorf("reading control input: %w", err)
			}
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			command, err := parseControl(line)
			if err != nil {
				l.reply(line, nil, err)
				continue
			}
			switch command.Verb {
			case verbAllow, verbDeny:
				_, err := applyControl(ctx, l.controller, command)
				l.reply(line, nil, err)
			default:
				select {
				case steps <- controlCommandLine{line: line, command: command}:
				case <-ctx.Done():
					return nil
				}
			}
		}
	}
}

type controlCommandLine struct {
	line    string
	command controlCommand
}

func (l *controlLoop) reply(line string, closed *undo.CloseResult, err error) {
	reply := controlReply{Line: line, OK: err == nil, Closed: closed}
	if err != nil {
		reply.Error = err.Error()
		l.logger.Debug("control command failed", "line", line, "error", err)
	}

	var buffer bytes.Buffer
	if l.json {
		data, marshalErr := json.Marshal(reply)
		if marshalErr != nil {
			l.logger.Error("encoding control reply", "error", marshalErr)
			return
		}
		buffer.Write(data)
		buffer.WriteByte('\n')
	} else {
		switch {
		case err != nil:
			fmt.Fprintf(&buffer, "error %s: %v\n", line, err)
		case closed != nil:
			fmt.Fprintf(&buffer, "ok %s (%d entries", line, closed.Step.Entries)
			if len(closed.Evicted) > 0 {
				fmt.Fprintf(&buffer, ", evicted %v", closed.Evicted)
			}
			if !closed.Drained {
				buffer.WriteString(", not drained")
			}
			buffer.WriteString(")\n")
		default:
			fmt.Fprintf(&buffer, "ok %s\n", line)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.output.Write(buffer.Bytes())
}
