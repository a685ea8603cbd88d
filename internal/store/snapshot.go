package store

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Snapshot writes a timestamped backup of the relational store in three
// forms: a raw file copy of the SQLite database, a JSON export of every live
// document, and a CSV export for quick inspection. Consolidate calls it first
// when given a snapshot directory, and andy-migrate on request; episodic
// purge and supersede do not call it. If any form fails, the caller must
// abort the destructive operation rather than proceed on partial protection.
func (s *Store) Snapshot(dir string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	tag := time.Now().UTC().Format("20060102T150405Z")
	base := filepath.Join(dir, "snapshot-"+tag)

	if err := s.snapshotCopy(base + ".sqlite3"); err != nil {
		return "", fmt.Errorf("failed to copy database file: %w", err)
	}
	if err := s.snapshotJSON(base + ".json"); err != nil {
		return "", fmt.Errorf("failed to write json export: %w", err)
	}
	if err := s.snapshotCSV(base + ".csv"); err != nil {
		return "", fmt.Errorf("failed to write csv export: %w", err)
	}

	return base, nil
}

func (s *Store) snapshotCopy(dest string) error {
	src, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("failed to open source database: %w", err)
	}
	defer src.Close()

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create snapshot file: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, src); err != nil {
		return fmt.Errorf("failed to copy database contents: %w", err)
	}
	return out.Sync()
}

func (s *Store) snapshotJSON(dest string) error {
	docs, err := s.ListDocuments(context.Background(), SearchFilter{Limit: 1_000_000, IncludePrivate: true})
	if err != nil {
		return fmt.Errorf("failed to list documents for json export: %w", err)
	}

	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create json export file: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(docs); err != nil {
		return fmt.Errorf("failed to encode json export: %w", err)
	}
	return nil
}

func (s *Store) snapshotCSV(dest string) error {
	docs, err := s.ListDocuments(context.Background(), SearchFilter{Limit: 1_000_000, IncludePrivate: true})
	if err != nil {
		return fmt.Errorf("failed to list documents for csv export: %w", err)
	}

	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create csv export file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	if err := w.Write([]string{"id", "layer", "type", "project", "confidence", "decay_score", "updated_at"}); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}
	for _, d := range docs {
		record := []string{
			strconv.FormatInt(d.ID, 10),
			string(d.Layer),
			d.Type,
			d.Project,
			strconv.Itoa(d.Confidence),
			strconv.Itoa(d.DecayScore),
			d.UpdatedAt.Format(time.RFC3339),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("failed to write csv row for document %d: %w", d.ID, err)
		}
	}
	return w.Error()
}
