package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/astromechza/clipsync/pkg/record"
)

const columns = `id, title, content, client_id, created_at, stale`

type Store struct {
	database *sql.DB
	now      func() time.Time
}

// Open opens (creating if needed) the sqlite database at path and ensures the clipboard table exists.
func Open(path string) (*Store, error) {
	slog.Info("Opening database", "path", path)
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// sqlite serialises writers anyway; one connection also keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)
	s := &Store{database: db, now: time.Now}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	if _, err := s.database.Exec(
		`CREATE TABLE IF NOT EXISTS clipboard (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT,
		content TEXT,
		created_at TEXT,
		client_id TEXT,
		stale BOOLEAN NOT NULL DEFAULT 0
		)`,
	); err != nil {
		return fmt.Errorf("failed to create clipboard table: %w", err)
	}
	slog.Info("Ensured initial tables exist")
	return nil
}

func (s *Store) Close() error {
	return s.database.Close()
}

func (s *Store) Insert(ctx context.Context, draft record.Draft) (record.Record, error) {
	now := s.now().UTC()
	title := draft.Title
	if title == "" {
		title = record.DefaultTitle(now)
	}
	r, err := scanRecord(s.database.QueryRowContext(
		ctx,
		`INSERT INTO clipboard (title, content, client_id, created_at) VALUES (?, ?, ?, ?) RETURNING `+columns,
		title, draft.Content, draft.ClientID, now.Format(time.RFC3339Nano),
	))
	if err != nil {
		return record.Record{}, record.NewStorageError("insert", 0, err)
	}
	return r, nil
}

func (s *Store) Update(ctx context.Context, id int64, fields record.Fields) (record.Record, error) {
	sets := make([]string, 0, len(fields))
	args := make([]any, 0, len(fields)+1)
	for _, f := range record.EditableFields {
		if v, ok := fields[f]; ok {
			sets = append(sets, string(f)+" = ?")
			args = append(args, v)
		}
	}
	if len(sets) == 0 {
		return record.Record{}, record.NewStorageError("update", id, fmt.Errorf("%w: no fields to update", record.ErrInvalidField))
	}
	args = append(args, id)
	r, err := scanRecord(s.database.QueryRowContext(
		ctx,
		`UPDATE clipboard SET `+strings.Join(sets, ", ")+` WHERE id = ? AND stale = 0 RETURNING `+columns,
		args...,
	))
	if err != nil {
		return record.Record{}, record.NewStorageError("update", id, err)
	}
	return r, nil
}

func (s *Store) MarkRemoved(ctx context.Context, id int64) (record.Record, error) {
	r, err := scanRecord(s.database.QueryRowContext(
		ctx, `UPDATE clipboard SET stale = 1 WHERE id = ? RETURNING `+columns, id,
	))
	if err != nil {
		return record.Record{}, record.NewStorageError("remove", id, err)
	}
	return r, nil
}

func (s *Store) Get(ctx context.Context, id int64) (record.Record, error) {
	r, err := scanRecord(s.database.QueryRowContext(ctx, `SELECT `+columns+` FROM clipboard WHERE id = ?`, id))
	if err != nil {
		return record.Record{}, record.NewStorageError("get", id, err)
	}
	return r, nil
}

func (s *Store) ListActive(ctx context.Context) ([]record.Record, error) {
	res, err := s.database.QueryContext(ctx, `SELECT `+columns+` FROM clipboard WHERE stale = 0 ORDER BY id`)
	if err != nil {
		return nil, record.NewStorageError("list", 0, fmt.Errorf("failed to query: %w", err))
	}
	defer func(res *sql.Rows) {
		if err := res.Close(); err != nil {
			slog.Error("failed to close rows", "err", err)
		}
	}(res)
	out := make([]record.Record, 0)
	for res.Next() {
		r, err := scanRecord(res)
		if err != nil {
			return nil, record.NewStorageError("list", 0, err)
		}
		out = append(out, r)
	}
	if err := res.Err(); err != nil {
		return nil, record.NewStorageError("list", 0, err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (record.Record, error) {
	var (
		r                        record.Record
		title, content, clientID sql.NullString
		createdAt                sql.NullString
	)
	if err := row.Scan(&r.ID, &title, &content, &clientID, &createdAt, &r.Removed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return record.Record{}, record.ErrNotFound
		}
		return record.Record{}, fmt.Errorf("failed to scan: %w", err)
	}
	r.Title, r.Content, r.ClientID = title.String, content.String, clientID.String
	if createdAt.Valid && createdAt.String != "" {
		t, err := time.Parse(time.RFC3339Nano, createdAt.String)
		if err != nil {
			return record.Record{}, fmt.Errorf("failed to parse created_at %q: %w", createdAt.String, err)
		}
		r.CreatedAt = t
	}
	return r, nil
}
