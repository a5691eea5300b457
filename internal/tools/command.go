package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/trna-workbench/backend/internal/buffer"
	"github.com/trna-workbench/backend/internal/model"
)

// Command is an Annotator backed by an external program. The record's
// sequence is written to the program's stdin and its stdout becomes the slot
// value.
type Command struct {
	Path string
	Args []string
	// Target is the slot the output is stored in.
	Target model.ToolSlot
	// StderrLimit bounds the diagnostics kept for error reports. Zero means
	// buffer.DefaultTailSize.
	StderrLimit int
}

// Name returns the program's base name.
func (c *Command) Name() string { return filepath.Base(c.Path) }

// Slot returns the target slot.
func (c *Command) Slot() model.ToolSlot { return c.Target }

// Annotate runs the program for rec.
func (c *Command) Annotate(ctx context.Context, rec *model.SequenceRecord) (string, error) {
	seq := rec.Payload.Sequence()
	if seq == "" {
		return "", fmt.Errorf("record %s has no sequence", rec.ID)
	}

	var stdout bytes.Buffer
	stderr := buffer.NewTail(c.StderrLimit)
	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Stdin = strings.NewReader(seq + "\n")
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", fmt.Errorf("%w: %s", err, msg)
		}
		return "", err
	}
	return stdout.String(), nil
}
