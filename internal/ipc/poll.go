package ipc

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// DefaultPollInterval is used when IPCConfig.PollInterval is zero.
const DefaultPollInterval = 500 * time.Millisecond

// QuarantineDir is the subdirectory under a slot's output where
// HMAC-mismatched files are moved instead of being processed.
const QuarantineDir = "_quarantine"

// Event is one observed file the watcher has not seen before.
type Event struct {
	Path string
	Name string
	Data []byte
}

// Watcher polls a slot's output directory for new numbered JSON files,
// verifying each one's HMAC before handing it to the caller.
type Watcher struct {
	slot     *Slot
	secret   []byte
	interval time.Duration
	seen     map[string]bool
	onAlert  func(reason string)
}

// NewWatcher builds a watcher over slot's output directory. onAlert, if
// non-nil, is invoked whenever a file is quarantined for HMAC mismatch.
func NewWatcher(slot *Slot, secret []byte, interval time.Duration, onAlert func(reason string)) *Watcher {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Watcher{
		slot:     slot,
		secret:   secret,
		interval: interval,
		seen:     make(map[string]bool),
		onAlert:  onAlert,
	}
}

// Run polls until ctx is cancelled, sending each verified Event to out.
// Files that fail HMAC verification are moved to _quarantine and never
// sent; an alert is raised instead.
func (w *Watcher) Run(ctx context.Context, out chan<- Event) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.scanOnce(out); err != nil {
				log.Printf("[IPC] poll scan failed for %s: %v", w.slot.Output, err)
			}
		}
	}
}

func (w *Watcher) scanOnce(out chan<- Event) error {
	entries, err := os.ReadDir(w.slot.Output)
	if err != nil {
		return fmt.Errorf("failed to read output directory %s: %w", w.slot.Output, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || e.Name() == ReadyFile {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		if w.seen[name] {
			continue
		}
		w.seen[name] = true

		path := filepath.Join(w.slot.Output, name)
		data, err := os.ReadFile(path)
		if err != nil {
			log.Printf("[IPC] failed to read %s: %v", path, err)
			continue
		}

		payload, err := unmarshalPayload(data)
		if err != nil {
			log.Printf("[IPC] failed to parse %s as json: %v", path, err)
			continue
		}

		ok, err := Verify(payload, w.secret)
		if err != nil || !ok {
			w.quarantine(path, name)
			if w.onAlert != nil {
				w.onAlert(fmt.Sprintf("ipc file %s failed HMAC verification", name))
			}
			continue
		}

		out <- Event{Path: path, Name: name, Data: data}
	}
	return nil
}

func (w *Watcher) quarantine(path, name string) {
	dir := filepath.Join(w.slot.Output, QuarantineDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Printf("[IPC] failed to create quarantine dir %s: %v", dir, err)
		return
	}
	dest := filepath.Join(dir, name)
	if err := os.Rename(path, dest); err != nil {
		log.Printf("[IPC] failed to quarantine %s: %v", path, err)
	}
}
