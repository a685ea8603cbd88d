// Package ipc implements the file-based bidirectional IPC fabric (C8):
// atomic writes, HMAC-signed canonical JSON, sentinel files, and output
// framing markers.
package ipc

import (
	"fmt"
	"os"
	"path/filepath"
)

// Sentinel and framing constants named exactly as the on-disk protocol
// expects them.
const (
	ReadyFile   = "_ready"
	CloseFile   = "_close"
	OutputStart = "---OUTPUT_START---"
	OutputEnd   = "---OUTPUT_END---"
)

// Slot is the three-directory mount point for one conversation's agent.
type Slot struct {
	Root      string
	Input     string
	Output    string
	Artifacts string
}

// NewSlot creates the three directories under root/conversationFolder if
// they don't already exist.
func NewSlot(root, conversationFolder string) (*Slot, error) {
	base := filepath.Join(root, conversationFolder)
	s := &Slot{
		Root:      base,
		Input:     filepath.Join(base, "input"),
		Output:    filepath.Join(base, "output"),
		Artifacts: filepath.Join(base, "artifacts"),
	}

	for _, dir := range []string{s.Input, s.Output, s.Artifacts} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create ipc directory %s: %w", dir, err)
		}
	}
	return s, nil
}

// Clear removes everything from all three directories. The dispatcher calls
// it before each turn so a previous turn's files never leak into the next.
func (s *Slot) Clear() error {
	for _, dir := range []string{s.Input, s.Output, s.Artifacts} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("failed to read ipc directory %s: %w", dir, err)
		}
		for _, e := range entries {
			if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
				return fmt.Errorf("failed to remove %s: %w", filepath.Join(dir, e.Name()), err)
			}
		}
	}
	return nil
}

// MarkReady writes the _ready sentinel into output/, signaling
// warming→ready.
func (s *Slot) MarkReady() error {
	return WriteAtomic(filepath.Join(s.Output, ReadyFile), []byte{})
}

// IsReady reports whether the _ready sentinel is present.
func (s *Slot) IsReady() bool {
	_, err := os.Stat(filepath.Join(s.Output, ReadyFile))
	return err == nil
}

// RequestClose writes the _close sentinel into input/, asking the agent to
// finish its current turn and exit cleanly.
func (s *Slot) RequestClose() error {
	return WriteAtomic(filepath.Join(s.Input, CloseFile), []byte{})
}

// ConsumeClose atomically checks for and removes the _close sentinel,
// returning whether it was present. Atomic consumption avoids a second
// reader seeing a sentinel that's already been acted on.
func (s *Slot) ConsumeClose() bool {
	path := filepath.Join(s.Input, CloseFile)
	err := os.Remove(path)
	return err == nil
}
