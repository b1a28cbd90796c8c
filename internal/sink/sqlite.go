package sink

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteSink mirrors KPI rows into one table per view. Rows are upserted by
// record key, so retried batches do not duplicate.
type SQLiteSink struct {
	db    *sql.DB
	table string

	mu      sync.Mutex
	created bool
}

// OpenSQLite opens (or creates) the database at path and targets table.
func OpenSQLite(path, table string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	return &SQLiteSink{db: db, table: table}, nil
}

func (s *SQLiteSink) ensureTable(ctx context.Context, cols []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.created {
		return nil
	}
	defs := append([]string{"record_key TEXT PRIMARY KEY"}, cols...)
	q := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s)`, s.table, strings.Join(defs, ", "))
	if _, err := s.db.ExecContext(ctx, q); err != nil {
		return err
	}
	s.created = true
	return nil
}

func (s *SQLiteSink) Write(ctx context.Context, recs []Record) error {
	if len(recs) == 0 {
		return nil
	}
	cols := recs[0].Columns()
	if err := s.ensureTable(ctx, cols); err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(cols)+1), ", ")
	q := fmt.Sprintf(`INSERT OR REPLACE INTO %s (record_key, %s) VALUES (%s)`,
		s.table, strings.Join(cols, ", "), marks)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()
	for _, r := range recs {
		args := append([]any{r.Key()}, r.Values()...)
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// DB exposes the underlying handle for inspection.
func (s *SQLiteSink) DB() *sql.DB { return s.db }

func (s *SQLiteSink) Close() error { return s.db.Close() }
