package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"offline-sync-service/internal/database"
	"offline-sync-service/internal/state"
)

// Table holds one row per document.
const Table = "sync_documents"

func schema(d database.Dialect) []string {
	if d == database.SQLite {
		return []string{`CREATE TABLE IF NOT EXISTS sync_documents (
			id TEXT PRIMARY KEY,
			rev TEXT NOT NULL,
			body TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`}
	}
	return []string{`CREATE TABLE IF NOT EXISTS sync_documents (
		id VARCHAR(191) PRIMARY KEY,
		rev VARCHAR(64) NOT NULL,
		body LONGTEXT NOT NULL,
		updated_at DATETIME(6) NOT NULL
	)`}
}

// SQLStore keeps documents in a MySQL or SQLite table.
type SQLStore struct {
	db  *database.Database
	now func() time.Time
}

// NewSQLStore creates the document table if needed.
func NewSQLStore(ctx context.Context, db *database.Database) (*SQLStore, error) {
	if err := db.EnsureSchema(ctx, schema(db.Dialect)); err != nil {
		return nil, err
	}
	return &SQLStore{db: db, now: time.Now}, nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Document, error) {
	row := s.db.DB.QueryRowContext(ctx, `SELECT id, rev, body, updated_at FROM sync_documents WHERE id = ?`, id)
	var (
		doc  Document
		body string
	)
	err := row.Scan(&doc.ID, &doc.Rev, &body, &doc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, database.Classify("get document", err)
	}
	if err := json.Unmarshal([]byte(body), &doc.Body); err != nil {
		return nil, fmt.Errorf("failed to decode document %s: %w", id, err)
	}
	return &doc, nil
}

func (s *SQLStore) Put(ctx context.Context, doc Document) (string, error) {
	var rev string
	err := s.db.ExecTx(ctx, func(tx *sql.Tx) error {
		var err error
		rev, err = s.put(ctx, tx, doc)
		return err
	})
	return rev, err
}

func (s *SQLStore) put(ctx context.Context, tx *sql.Tx, doc Document) (string, error) {
	body, err := json.Marshal(doc.Body)
	if err != nil {
		return "", fmt.Errorf("failed to encode document %s: %w", doc.ID, err)
	}
	rev, err := NextRev(doc.Rev, doc.Body)
	if err != nil {
		return "", err
	}
	now := s.now().UTC()

	var res sql.Result
	if doc.Rev == "" {
		res, err = tx.ExecContext(ctx,
			s.db.Rebind(`INSERT IGNORE INTO sync_documents (id, rev, body, updated_at) VALUES (?, ?, ?, ?)`),
			doc.ID, rev, string(body), now)
	} else {
		res, err = tx.ExecContext(ctx,
			`UPDATE sync_documents SET rev = ?, body = ?, updated_at = ? WHERE id = ? AND rev = ?`,
			rev, string(body), now, doc.ID, doc.Rev)
	}
	if err != nil {
		return "", database.Classify("put document", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", ErrConflict
	}
	return rev, nil
}

// BulkWrite writes every document in one transaction. Conflicting documents
// are reported per document and do not roll back the others.
func (s *SQLStore) BulkWrite(ctx context.Context, docs []Document) ([]BulkResult, error) {
	out := make([]BulkResult, len(docs))
	err := s.db.ExecTx(ctx, func(tx *sql.Tx) error {
		for i, d := range docs {
			rev, err := s.put(ctx, tx, d)
			if err != nil && !errors.Is(err, ErrConflict) {
				return err
			}
			out[i] = BulkResult{ID: d.ID, Rev: rev, Err: err}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// IDs lists stored document ids.
func (s *SQLStore) IDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.DB.QueryContext(ctx, `SELECT id FROM sync_documents ORDER BY id`)
	if err != nil {
		return nil, database.Classify("list documents", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

var (
	_ DocumentStore = (*SQLStore)(nil)
	_ DocumentStore = (*MemoryStore)(nil)
)

// DecodeBody decodes a stored body column.
func DecodeBody(raw []byte) (state.State, error) {
	var st state.State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, err
	}
	return st, nil
}
