package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const docColumns = `id, layer, doc_type, source_path, content_indexed, content, concepts,
	origin, project, created_at, updated_at, access_count, last_accessed_at,
	confidence, decay_score, expires_at, is_private, created_by, superseded_by`

func scanDocument(row interface{ Scan(...interface{}) error }) (*Document, error) {
	var d Document
	var layer sql.NullString
	var sourcePath, origin, project, createdBy sql.NullString
	var lastAccessed sql.NullTime
	var expiresAt sql.NullTime
	var supersededBy sql.NullInt64
	var contentIndexed, isPrivate int

	err := row.Scan(
		&d.ID, &layer, &d.Type, &sourcePath, &contentIndexed, &d.Content, &d.Concepts,
		&origin, &project, &d.CreatedAt, &d.UpdatedAt, &d.AccessCount, &lastAccessed,
		&d.Confidence, &d.DecayScore, &expiresAt, &isPrivate, &createdBy, &supersededBy,
	)
	if err != nil {
		return nil, err
	}

	d.Layer = Layer(layer.String)
	d.SourcePath = sourcePath.String
	d.Origin = origin.String
	d.Project = project.String
	d.CreatedBy = createdBy.String
	d.ContentIndexed = contentIndexed != 0
	d.IsPrivate = isPrivate != 0
	if lastAccessed.Valid {
		d.LastAccessedAt = lastAccessed.Time
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		d.ExpiresAt = &t
	}
	if supersededBy.Valid {
		v := supersededBy.Int64
		d.SupersededBy = &v
	}

	return &d, nil
}

// CreateDocument inserts a new document and returns it with its assigned ID.
// The FTS index is kept in sync by the documents_ai trigger; the vector side
// is the caller's responsibility (retrieval/memlayers own embedding calls).
func (s *Store) CreateDocument(ctx context.Context, d *Document) (*Document, error) {
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (
			layer, doc_type, source_path, content_indexed, content, concepts,
			origin, project, created_at, updated_at, access_count, last_accessed_at,
			confidence, decay_score, expires_at, is_private, created_by, superseded_by
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(d.Layer), d.Type, nullString(d.SourcePath), boolToInt(d.ContentIndexed), d.Content, d.Concepts,
		nullString(d.Origin), nullString(d.Project), d.CreatedAt, d.UpdatedAt, d.AccessCount, nullTime(d.LastAccessedAt),
		d.Confidence, d.DecayScore, nullTimePtr(d.ExpiresAt), boolToInt(d.IsPrivate), nullString(d.CreatedBy), nullInt64(d.SupersededBy),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert document: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read inserted document id: %w", err)
	}
	d.ID = id
	return d, nil
}

// GetDocument fetches a single document by id.
func (s *Store) GetDocument(ctx context.Context, id int64) (*Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+docColumns+` FROM documents WHERE id = ?`, id)
	d, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("document %d not found: %w", id, sql.ErrNoRows)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch document %d: %w", id, err)
	}
	return d, nil
}

// UpdateDocument replaces the mutable fields of an existing document.
func (s *Store) UpdateDocument(ctx context.Context, d *Document) error {
	d.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE documents SET
			layer = ?, doc_type = ?, source_path = ?, content_indexed = ?, content = ?, concepts = ?,
			origin = ?, project = ?, updated_at = ?, access_count = ?, last_accessed_at = ?,
			confidence = ?, decay_score = ?, expires_at = ?, is_private = ?, created_by = ?, superseded_by = ?
		WHERE id = ?`,
		string(d.Layer), d.Type, nullString(d.SourcePath), boolToInt(d.ContentIndexed), d.Content, d.Concepts,
		nullString(d.Origin), nullString(d.Project), d.UpdatedAt, d.AccessCount, nullTime(d.LastAccessedAt),
		d.Confidence, d.DecayScore, nullTimePtr(d.ExpiresAt), boolToInt(d.IsPrivate), nullString(d.CreatedBy), nullInt64(d.SupersededBy),
		d.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update document %d: %w", d.ID, err)
	}
	return nil
}

// TouchAccess bumps access_count and last_accessed_at. Callers invoke this
// fire-and-forget from memoryapi read handlers.
func (s *Store) TouchAccess(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE documents SET access_count = access_count + 1, last_accessed_at = ? WHERE id = ?`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to record access for document %d: %w", id, err)
	}
	return nil
}

// ArchiveDocument marks a document superseded rather than deleting it and
// records the change in supersede_log. DeleteDocument is the hard-delete
// path.
func (s *Store) ArchiveDocument(ctx context.Context, id int64, representativeID *int64, reason string) error {
	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`UPDATE documents SET superseded_by = ?, updated_at = ? WHERE id = ?`,
			nullInt64(representativeID), time.Now().UTC(), id); err != nil {
			return fmt.Errorf("failed to archive document %d: %w", id, err)
		}
		var repID int64
		if representativeID != nil {
			repID = *representativeID
		}
		if _, err := tx.Exec(`
			INSERT INTO supersede_log (superseded_id, representative_id, reason) VALUES (?, ?, ?)`,
			id, repID, reason); err != nil {
			return fmt.Errorf("failed to record supersede log for document %d: %w", id, err)
		}
		return nil
	})
}

// DeleteDocument hard-removes a document (episodic purge when archiving is
// not applicable). The FTS row is removed by the documents_ad trigger.
func (s *Store) DeleteDocument(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete document %d: %w", id, err)
	}
	return nil
}

// SearchFilter narrows a FTS search to a layer/project/type slice. Empty
// slices mean "no restriction" for that dimension.
type SearchFilter struct {
	Layers    []Layer
	Project   string
	Type      string
	Limit     int
	IncludePrivate bool
}

// LexicalSearch runs the FTS5 query (BM25-ranked) and applies the filter.
// It is the lexical half of the hybrid retrieval pipeline; the caller
// (internal/retrieval) fuses this against vector hits.
func (s *Store) LexicalSearch(ctx context.Context, query string, f SearchFilter) ([]*Document, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}

	sqlQuery := `
		SELECT ` + prefixColumns("d") + `
		FROM documents_fts
		JOIN documents d ON d.id = documents_fts.rowid
		WHERE documents_fts MATCH ?`
	args := []interface{}{query}

	if !f.IncludePrivate {
		sqlQuery += ` AND d.is_private = 0`
	}
	if f.Project != "" {
		sqlQuery += ` AND d.project = ?`
		args = append(args, f.Project)
	}
	if f.Type != "" {
		sqlQuery += ` AND d.doc_type = ?`
		args = append(args, f.Type)
	}
	if len(f.Layers) > 0 {
		sqlQuery += ` AND d.layer IN (` + placeholders(len(f.Layers)) + `)`
		for _, l := range f.Layers {
			args = append(args, string(l))
		}
	}
	sqlQuery += ` AND d.superseded_by IS NULL ORDER BY bm25(documents_fts) LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to run lexical search: %w", err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan search row: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// ListDocuments returns documents matching the filter without a FTS query
// (used by /api/list and layer-scoped browse operations).
func (s *Store) ListDocuments(ctx context.Context, f SearchFilter) ([]*Document, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	sqlQuery := `SELECT ` + docColumns + ` FROM documents WHERE superseded_by IS NULL`
	var args []interface{}
	if !f.IncludePrivate {
		sqlQuery += ` AND is_private = 0`
	}
	if f.Project != "" {
		sqlQuery += ` AND project = ?`
		args = append(args, f.Project)
	}
	if f.Type != "" {
		sqlQuery += ` AND doc_type = ?`
		args = append(args, f.Type)
	}
	if len(f.Layers) > 0 {
		sqlQuery += ` AND layer IN (` + placeholders(len(f.Layers)) + `)`
		for _, l := range f.Layers {
			args = append(args, string(l))
		}
	}
	sqlQuery += ` ORDER BY updated_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan list row: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

func placeholders(n int) string {
	s := ""
	for i := 0; i < n; i++ {
		if i > 0 {
			s += ","
		}
		s += "?"
	}
	return s
}

func prefixColumns(alias string) string {
	cols := []string{
		"id", "layer", "doc_type", "source_path", "content_indexed", "content", "concepts",
		"origin", "project", "created_at", "updated_at", "access_count", "last_accessed_at",
		"confidence", "decay_score", "expires_at", "is_private", "created_by", "superseded_by",
	}
	out := ""
	for i, c := range cols {
		if i > 0 {
			out += ", "
		}
		out += alias + "." + c
	}
	return out
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
