// Package postgres is a record.Store backed by a pgx connection pool, for deployments that share one database
// across restarts of several hosts.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/astromechza/clipsync/pkg/record"
)

const columns = `id, title, content, client_id, created_at, stale`

type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	s := &Store{pool: pool, now: time.Now}
	if _, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS clipboard (
		id BIGSERIAL PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		client_id TEXT NOT NULL DEFAULT '',
		stale BOOLEAN NOT NULL DEFAULT FALSE
	)`); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create clipboard table: %w", err)
	}
	slog.Info("Connected to PostgreSQL successfully.")
	return s, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Insert(ctx context.Context, draft record.Draft) (record.Record, error) {
	now := s.now().UTC()
	title := draft.Title
	if title == "" {
		title = record.DefaultTitle(now)
	}
	r, err := scanRecord(s.pool.QueryRow(
		ctx,
		`INSERT INTO clipboard (title, content, client_id, created_at) VALUES ($1, $2, $3, $4) RETURNING `+columns,
		title, draft.Content, draft.ClientID, now,
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
			args = append(args, v)
			sets = append(sets, fmt.Sprintf("%s = $%d", f, len(args)))
		}
	}
	if len(sets) == 0 {
		return record.Record{}, record.NewStorageError("update", id, fmt.Errorf("%w: no fields to update", record.ErrInvalidField))
	}
	args = append(args, id)
	r, err := scanRecord(s.pool.QueryRow(
		ctx,
		fmt.Sprintf(`UPDATE clipboard SET %s WHERE id = $%d AND NOT stale RETURNING `+columns, strings.Join(sets, ", "), len(args)),
		args...,
	))
	if err != nil {
		return record.Record{}, record.NewStorageError("update", id, err)
	}
	return r, nil
}

func (s *Store) MarkRemoved(ctx context.Context, id int64) (record.Record, error) {
	r, err := scanRecord(s.pool.QueryRow(ctx, `UPDATE clipboard SET stale = TRUE WHERE id = $1 RETURNING `+columns, id))
	if err != nil {
		return record.Record{}, record.NewStorageError("remove", id, err)
	}
	return r, nil
}

func (s *Store) Get(ctx context.Context, id int64) (record.Record, error) {
	r, err := scanRecord(s.pool.QueryRow(ctx, `SELECT `+columns+` FROM clipboard WHERE id = $1`, id))
	if err != nil {
		return record.Record{}, record.NewStorageError("get", id, err)
	}
	return r, nil
}

func (s *Store) ListActive(ctx context.Context) ([]record.Record, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+columns+` FROM clipboard WHERE NOT stale ORDER BY id`)
	if err != nil {
		return nil, record.NewStorageError("list", 0, err)
	}
	defer rows.Close()
	out := make([]record.Record, 0)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, record.NewStorageError("list", 0, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, record.NewStorageError("list", 0, err)
	}
	return out, nil
}

func scanRecord(row pgx.Row) (record.Record, error) {
	var r record.Record
	if err := row.Scan(&r.ID, &r.Title, &r.Content, &r.ClientID, &r.CreatedAt, &r.Removed); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return record.Record{}, record.ErrNotFound
		}
		return record.Record{}, fmt.Errorf("failed to scan: %w", err)
	}
	return r, nil
}
