// Package history keeps a log of delivery attempts in a local SQLite file.
//
// The store is optional: a nil *Store is safe to use and silently records
// nothing, so a broken database never blocks deliveries.
package history

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "moyubot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Kind of event that triggered a delivery attempt.
const (
	KindSchedule = "schedule"
	KindManual   = "manual"
)

type Record struct {
	At        time.Time
	Chat      string
	Kind      string
	Template  string
	ImagePath string
	OK        bool
	Error     string
}

type Store struct {
	db  *sql.DB
	log logx.Logger
}

func Open(path string, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("history: path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.Exec("PRAGMA busy_timeout = 5000")
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	s := &Store{db: db, log: log}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append records one delivery attempt.
func (s *Store) Append(ctx context.Context, r Record) error {
	if s == nil || s.db == nil {
		return nil
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deliveries(at, chat, kind, template, image_path, ok, err)
		 VALUES(?,?,?,?,?,?,?)`,
		r.At.Format(time.RFC3339Nano), r.Chat, r.Kind,
		nullStr(r.Template), nullStr(r.ImagePath), r.OK, nullStr(r.Error),
	)
	return err
}

// Recent returns up to n attempts, newest first.
func (s *Store) Recent(ctx context.Context, n int) ([]Record, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	if n <= 0 {
		n = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, chat, kind, template, image_path, ok, err
		 FROM deliveries ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var at string
		var tpl, img, errText sql.NullString
		if err := rows.Scan(&at, &r.Chat, &r.Kind, &tpl, &img, &r.OK, &errText); err != nil {
			return nil, err
		}
		if t, perr := time.Parse(time.RFC3339Nano, at); perr == nil {
			r.At = t
		}
		r.Template = tpl.String
		r.ImagePath = img.String
		r.Error = errText.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// Prune deletes attempts older than the retention window.
func (s *Store) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	cutoff := time.Now().Add(-olderThan).Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `DELETE FROM deliveries WHERE at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
