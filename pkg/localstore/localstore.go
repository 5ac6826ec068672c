// Package localstore persists the client's replica between runs, playing the
// role the browser's keyed object store plays for the web client. It mirrors
// the item collection and its insertion order so the cache can be rebuilt
// exactly on startup.
package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/astromechza/todosync/pkg/protocol"
)

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to local store: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(
		`CREATE TABLE IF NOT EXISTS items (
		id TEXT NOT NULL PRIMARY KEY,
		id_numeric INTEGER NOT NULL DEFAULT 0,
		label TEXT NOT NULL,
		done INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		position INTEGER NOT NULL
		)`,
	); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create items table: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM items`); err != nil {
		return fmt.Errorf("failed to clear items: %w", err)
	}
	return nil
}

// BulkInsert appends the given items after the current tail, in one
// transaction.
func (s *Store) BulkInsert(ctx context.Context, items []protocol.Item) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start tx: %w", err)
	}
	defer tx.Rollback()

	var next int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(position), -1) + 1 FROM items`).Scan(&next); err != nil {
		return fmt.Errorf("failed to find tail position: %w", err)
	}
	for i, item := range items {
		if err := upsert(ctx, tx, item, next+int64(i)); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// ReplaceAll swaps the whole mirror for the given items in one transaction.
func (s *Store) ReplaceAll(ctx context.Context, items []protocol.Item) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM items`); err != nil {
		return fmt.Errorf("failed to clear items: %w", err)
	}
	for i, item := range items {
		if err := upsert(ctx, tx, item, int64(i)); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (s *Store) GetByID(ctx context.Context, id protocol.ItemID) (protocol.Item, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, id_numeric, label, done, created_at FROM items WHERE id = ?`,
		id.String(),
	)
	item, err := scanItem(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return protocol.Item{}, false, nil
	}
	if err != nil {
		return protocol.Item{}, false, fmt.Errorf("failed to get item: %w", err)
	}
	return item, true, nil
}

// Put inserts or overwrites a single item, appending to the tail when new.
func (s *Store) Put(ctx context.Context, item protocol.Item) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start tx: %w", err)
	}
	defer tx.Rollback()

	var position int64
	err = tx.QueryRowContext(ctx, `SELECT position FROM items WHERE id = ?`, item.ID.String()).Scan(&position)
	if errors.Is(err, sql.ErrNoRows) {
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(position), -1) + 1 FROM items`).Scan(&position); err != nil {
			return fmt.Errorf("failed to find tail position: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("failed to find item position: %w", err)
	}
	if err := upsert(ctx, tx, item, position); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id protocol.ItemID) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM items WHERE id = ?`, id.String()); err != nil {
		return fmt.Errorf("failed to delete item: %w", err)
	}
	return nil
}

// Scan walks the mirror in insertion order, stopping early when fn returns
// false.
func (s *Store) Scan(ctx context.Context, fn func(protocol.Item) bool) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, id_numeric, label, done, created_at FROM items ORDER BY position`,
	)
	if err != nil {
		return fmt.Errorf("failed to scan items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		item, err := scanItem(rows.Scan)
		if err != nil {
			return fmt.Errorf("failed to scan item: %w", err)
		}
		if !fn(item) {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to scan items: %w", err)
	}
	return nil
}

func upsert(ctx context.Context, tx *sql.Tx, item protocol.Item, position int64) error {
	numeric := 0
	if _, ok := item.ID.Int64(); ok {
		numeric = 1
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO items (id, id_numeric, label, done, created_at, position) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET label = excluded.label, done = excluded.done, created_at = excluded.created_at, position = excluded.position`,
		item.ID.String(), numeric, item.Label, item.Done, item.CreatedAt.UTC(), position,
	); err != nil {
		return fmt.Errorf("failed to upsert item %s: %w", item.ID, err)
	}
	return nil
}

func scanItem(scan func(...any) error) (protocol.Item, error) {
	var item protocol.Item
	var rowID string
	var numeric, done int
	var createdAt time.Time
	if err := scan(&rowID, &numeric, &item.Label, &done, &createdAt); err != nil {
		return protocol.Item{}, err
	}
	if numeric != 0 {
		n, err := strconv.ParseInt(rowID, 10, 64)
		if err != nil {
			return protocol.Item{}, fmt.Errorf("corrupt numeric id %q: %w", rowID, err)
		}
		item.ID = protocol.NumericID(n)
	} else {
		item.ID = protocol.ID(rowID)
	}
	item.Done = done != 0
	item.CreatedAt = createdAt.UTC()
	return item, nil
}
