package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const queueColumns = `id, conversation, delivery_id, body, author, received_at, origin_ts,
	attempt, first_seen_at, next_eligible_at, state, created_at, updated_at`

func scanQueueEntry(row interface{ Scan(...interface{}) error }) (*QueueEntryRow, error) {
	var q QueueEntryRow
	var author sql.NullString
	var originTS sql.NullTime

	err := row.Scan(
		&q.ID, &q.Conversation, &q.DeliveryID, &q.Body, &author, &q.ReceivedAt, &originTS,
		&q.Attempt, &q.FirstSeenAt, &q.NextEligibleAt, &q.State, &q.CreatedAt, &q.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	q.Author = author.String
	if originTS.Valid {
		q.OriginTS = originTS.Time
	}
	return &q, nil
}

// InsertQueueEntry persists a new queue entry, relying on the unique
// (conversation, delivery_id) index to reject a duplicate delivery.
func (s *Store) InsertQueueEntry(ctx context.Context, q *QueueEntryRow) error {
	now := time.Now().UTC()
	if q.CreatedAt.IsZero() {
		q.CreatedAt = now
	}
	q.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO queue_entries (
			id, conversation, delivery_id, body, author, received_at, origin_ts,
			attempt, first_seen_at, next_eligible_at, state, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		q.ID, q.Conversation, q.DeliveryID, q.Body, nullString(q.Author), q.ReceivedAt, nullTime(q.OriginTS),
		q.Attempt, q.FirstSeenAt, q.NextEligibleAt, q.State, q.CreatedAt, q.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert queue entry %s: %w", q.ID, err)
	}
	return nil
}

// UpdateQueueEntryState transitions a queue entry and records the next
// eligible retry time (used after both success and retryable failure).
func (s *Store) UpdateQueueEntryState(ctx context.Context, id, state string, attempt int, nextEligible time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE queue_entries SET state = ?, attempt = ?, next_eligible_at = ?, updated_at = ? WHERE id = ?`,
		state, attempt, nextEligible, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to transition queue entry %s: %w", id, err)
	}
	return nil
}

// PendingQueueEntries returns entries eligible to run now for a conversation,
// ordered FIFO by first_seen_at.
func (s *Store) PendingQueueEntries(ctx context.Context, conversation string) ([]*QueueEntryRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+queueColumns+` FROM queue_entries
		WHERE conversation = ? AND state IN ('pending', 'retry') AND next_eligible_at <= ?
		ORDER BY first_seen_at ASC`, conversation, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list pending queue entries for %s: %w", conversation, err)
	}
	defer rows.Close()

	var out []*QueueEntryRow
	for rows.Next() {
		q, err := scanQueueEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// InsertDeadLetter records a permanently failed queue entry and marks its
// queue row dead-letter, in one transaction.
func (s *Store) InsertDeadLetter(ctx context.Context, dl *DeadLetterRow, originalEntryID string) error {
	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			INSERT INTO dead_letters (id, delivery_id, conversation, entry_snapshot, final_error, arrived_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			dl.ID, dl.DeliveryID, dl.Conversation, dl.EntrySnapshot, dl.FinalError, time.Now().UTC()); err != nil {
			return fmt.Errorf("failed to insert dead letter %s: %w", dl.ID, err)
		}
		if _, err := tx.Exec(`UPDATE queue_entries SET state = 'dead-letter', updated_at = ? WHERE id = ?`,
			time.Now().UTC(), originalEntryID); err != nil {
			return fmt.Errorf("failed to mark queue entry %s dead: %w", originalEntryID, err)
		}
		return nil
	})
}

// ListDeadLetters returns all dead letters, newest first, for the admin surface.
func (s *Store) ListDeadLetters(ctx context.Context) ([]*DeadLetterRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, delivery_id, conversation, entry_snapshot, final_error, arrived_at
		FROM dead_letters ORDER BY arrived_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var out []*DeadLetterRow
	for rows.Next() {
		var dl DeadLetterRow
		if err := rows.Scan(&dl.ID, &dl.DeliveryID, &dl.Conversation, &dl.EntrySnapshot, &dl.FinalError, &dl.ArrivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter row: %w", err)
		}
		out = append(out, &dl)
	}
	return out, rows.Err()
}

// DeleteDeadLetter removes a dead letter once an operator has requeued it.
func (s *Store) DeleteDeadLetter(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete dead letter %s: %w", id, err)
	}
	return nil
}
