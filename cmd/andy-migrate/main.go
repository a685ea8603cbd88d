// Command andy-migrate is the offline maintenance tool for the memory
// database: it runs the Store's startup reconciliation on demand, takes a
// pre-destructive-op snapshot, and independently verifies the schema with
// the pure-Go sqlite driver rather than the store's own cgo one, so a
// driver-specific bug can't hide a real schema problem from itself. This
// replaces the teacher's ad hoc scripts/check-db-schema.go for this
// database's table/column layout.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/andyrt/andy/internal/channels"
	"github.com/andyrt/andy/internal/store"
)

// requiredTables mirrors the store's own startup check (internal/store's
// requiredColumns), duplicated here deliberately: this tool verifies the
// schema through a second, independent driver, so sharing the store's
// unexported check would defeat the point.
var requiredTables = map[string][]string{
	"documents": {
		"id", "layer", "doc_type", "content", "concepts", "confidence",
		"decay_score", "expires_at", "is_private", "superseded_by",
	},
	"queue_entries":  {"id", "conversation", "delivery_id", "state", "attempt"},
	"scheduled_jobs": {"id", "owner", "schedule_kind", "next_run", "status"},
}

func main() {
	dataDir := flag.String("data-dir", "data", "base directory containing memory.sqlite3")
	snapshotDir := flag.String("snapshot-dir", "", "if set, write a snapshot to this directory before reconciling")
	reconcile := flag.Bool("reconcile", true, "run FTS/vector reconciliation")
	verifySchema := flag.Bool("verify-schema", true, "independently verify required tables/columns exist")
	stubAdapter := flag.Bool("demo-stub", false, "send one message through the stub channel adapter and print what it recorded")
	flag.Parse()

	dbPath := filepath.Join(*dataDir, "memory.sqlite3")

	if *verifySchema {
		if err := verifyAgainstPureGoDriver(dbPath); err != nil {
			fmt.Fprintf(os.Stderr, "schema verification failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("schema verification: OK")
	}

	s, err := store.Open(dbPath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open store: %v\n", err)
		os.Exit(1)
	}
	defer s.Close()

	ctx := context.Background()

	if *snapshotDir != "" {
		path, err := s.Snapshot(*snapshotDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "snapshot failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("snapshot written: %s\n", path)
	}

	if *reconcile {
		report, err := s.Reconcile(ctx, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "reconciliation failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("reconciliation: %d FTS rows rebuilt, %d vector points added, %d vector points stale\n",
			report.FTSRowsRebuilt, report.VectorPointsAdded, report.VectorPointsStale)
	}

	if *stubAdapter {
		demoStubDelivery()
	}
}

// verifyAgainstPureGoDriver opens dbPath with modernc.org/sqlite (a
// second, independent driver implementation from the store's own
// mattn/go-sqlite3) and checks every table/column the store itself refuses
// to start without.
func verifyAgainstPureGoDriver(dbPath string) error {
	if _, err := os.Stat(dbPath); err != nil {
		return fmt.Errorf("cannot stat database %s: %w", dbPath, err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return fmt.Errorf("failed to open %s with pure-Go driver: %w", dbPath, err)
	}
	defer db.Close()

	for table, columns := range requiredTables {
		present, err := tableColumns(db, table)
		if err != nil {
			return fmt.Errorf("failed to inspect table %s: %w", table, err)
		}
		for _, col := range columns {
			if !present[col] {
				return fmt.Errorf("table %s missing required column %s", table, col)
			}
		}
	}
	return nil
}

func tableColumns(db *sql.DB, table string) (map[string]bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%q)", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var cid int
		var name, colType string
		var notNull, pk int
		var dflt interface{}
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("table %s has no columns (does it exist?)", table)
	}
	return cols, rows.Err()
}

// demoStubDelivery exercises the channels.Stub adapter standalone: it sends
// one message through Send and prints what the stub recorded, without
// standing up the full runtime. EditMessage and IsConnected are not called.
func demoStubDelivery() {
	stub := channels.NewStub("andy-migrate-demo", true)
	ctx := context.Background()

	if err := stub.Send(ctx, "demo", "reconciliation complete", "andy-migrate"); err != nil {
		log.Printf("stub send failed: %v", err)
		return
	}
	for _, sent := range stub.Sent() {
		fmt.Printf("stub delivered to %s: %s\n", sent.ConversationID, sent.Body)
	}
}
