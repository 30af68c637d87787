package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	logx "subwatch/pkg/logx"
)

//go:embed schema.sql
var schemaSQL string

const sqliteTimeLayout = "2006-01-02T15:04:05.000Z"

type sqliteBackend struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Backend, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; the retry layer absorbs BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &sqliteBackend{db: db, log: log}, nil
}

func (s *sqliteBackend) Name() string { return "sqlite" }

func (s *sqliteBackend) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteBackend) Get(ctx context.Context, db, id string) (Document, error) {
	var (
		d  = Document{ID: id}
		ts string
		bd string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT rev, body, updated_at FROM documents WHERE db = ? AND id = ?`, db, id,
	).Scan(&d.Rev, &bd, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, notFound(id)
	}
	if err != nil {
		return Document{}, classifySQLite(err)
	}
	d.Body = []byte(bd)
	d.UpdatedAt = parseSQLiteTime(ts)
	return d, nil
}

func (s *sqliteBackend) Find(ctx context.Context, db string, sel Selector) ([]Document, error) {
	q := `SELECT id, rev, body, updated_at FROM documents WHERE db = ?`
	args := []any{db}
	for _, k := range sel.keys() {
		q += ` AND json_extract(body, ?) = ?`
		args = append(args, "$."+k, sqliteArg(sel[k]))
	}
	q += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classifySQLite(err)
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		var (
			d      Document
			bd, ts string
		)
		if err := rows.Scan(&d.ID, &d.Rev, &bd, &ts); err != nil {
			return nil, classifySQLite(err)
		}
		d.Body = []byte(bd)
		d.UpdatedAt = parseSQLiteTime(ts)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, classifySQLite(err)
	}
	return out, nil
}

func (s *sqliteBackend) Put(ctx context.Context, db string, doc Document) (Document, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Document{}, classifySQLite(err)
	}
	defer func() { _ = tx.Rollback() }()

	out, err := putTx(ctx, tx, db, doc)
	if err != nil {
		return Document{}, err
	}
	if err := tx.Commit(); err != nil {
		return Document{}, classifySQLite(err)
	}
	return out, nil
}

func (s *sqliteBackend) Delete(ctx context.Context, db, id, rev string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifySQLite(err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := deleteTx(ctx, tx, db, id, rev); err != nil {
		return err
	}
	return classifySQLite(tx.Commit())
}

func (s *sqliteBackend) Bulk(ctx context.Context, db string, docs []Document, opts BulkOptions) ([]BulkResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classifySQLite(err)
	}
	defer func() { _ = tx.Rollback() }()

	out := make([]BulkResult, 0, len(docs))
	for _, d := range docs {
		var r BulkResult
		r.ID = d.ID
		if d.Deleted {
			r.Err = deleteTx(ctx, tx, db, d.ID, d.Rev)
		} else {
			stored, err := putTx(ctx, tx, db, d)
			r.Rev, r.UpdatedAt, r.Err = stored.Rev, stored.UpdatedAt, err
		}
		if r.Err != nil {
			k := Classify(r.Err)
			// Only revision problems are per-document; anything else fails the batch.
			if opts.AllOrNothing || (k != KindConflict && k != KindNotFound) {
				return nil, r.Err
			}
		}
		out = append(out, r)
	}
	if err := tx.Commit(); err != nil {
		return nil, classifySQLite(err)
	}
	return out, nil
}

func putTx(ctx context.Context, tx *sql.Tx, db string, doc Document) (Document, error) {
	var cur string
	err := tx.QueryRowContext(ctx, `SELECT rev FROM documents WHERE db = ? AND id = ?`, db, doc.ID).Scan(&cur)
	exists := true
	if errors.Is(err, sql.ErrNoRows) {
		exists = false
	} else if err != nil {
		return Document{}, classifySQLite(err)
	}
	if err := checkRev(doc.ID, exists, cur, doc.Rev); err != nil {
		return Document{}, err
	}

	body := doc.Body
	if len(body) == 0 {
		body = []byte("{}")
	}
	rev := nextRev(cur)
	var ts string
	err = tx.QueryRowContext(ctx,
		`INSERT INTO documents(db, id, rev, body, updated_at)
		 VALUES(?, ?, ?, ?, strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		 ON CONFLICT(db, id) DO UPDATE SET rev = excluded.rev, body = excluded.body, updated_at = excluded.updated_at
		 RETURNING updated_at`,
		db, doc.ID, rev, string(body),
	).Scan(&ts)
	if err != nil {
		return Document{}, classifySQLite(err)
	}
	return Document{ID: doc.ID, Rev: rev, UpdatedAt: parseSQLiteTime(ts), Body: body}, nil
}

func deleteTx(ctx context.Context, tx *sql.Tx, db, id, rev string) error {
	var cur string
	err := tx.QueryRowContext(ctx, `SELECT rev FROM documents WHERE db = ? AND id = ?`, db, id).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound(id)
	}
	if err != nil {
		return classifySQLite(err)
	}
	if cur != rev {
		return conflict(id)
	}
	_, err = tx.ExecContext(ctx, `DELETE FROM documents WHERE db = ? AND id = ?`, db, id)
	return classifySQLite(err)
}

// classifySQLite marks BUSY/LOCKED as rate limited; everything else is passed through.
func classifySQLite(err error) error {
	if err == nil {
		return nil
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return rateLimited(err)
		}
	}
	return err
}

func sqliteArg(v any) any {
	switch x := v.(type) {
	case bool:
		if x {
			return 1
		}
		return 0
	default:
		return v
	}
}

func parseSQLiteTime(s string) time.Time {
	t, err := time.Parse(sqliteTimeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
