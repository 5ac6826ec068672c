// Package store is the server's record store adapter: a sqlite table owned
// and mutated by the server process only. Writes are durable once they
// return, which is what lets the server broadcast after commit.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/astromechza/todosync/pkg/protocol"
)

type Store struct {
	db   *sql.DB
	mode protocol.IDMode
}

// Open creates or opens the todos database. The schema depends on the id
// mode: server mode lets sqlite assign monotonic integer ids, client mode
// stores the caller-supplied tokens.
func Open(path string, mode protocol.IDMode) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// sqlite supports one writer at a time, keep a single connection to
	// avoid SQLITE_BUSY under concurrent sessions.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	idColumn := `id INTEGER PRIMARY KEY AUTOINCREMENT`
	if mode == protocol.IDModeClient {
		idColumn = `id TEXT NOT NULL PRIMARY KEY`
	}
	if _, err := db.Exec(fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS todos (
		%s,
		label TEXT NOT NULL,
		done INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`, idColumn,
	)); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create todos table: %w", err)
	}

	return &Store{db: db, mode: mode}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) IDMode() protocol.IDMode {
	return s.mode
}

// InsertOne inserts a single item and returns it with its assigned id and
// creation time filled in.
func (s *Store) InsertOne(ctx context.Context, item protocol.Item) (protocol.Item, error) {
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	if s.mode == protocol.IDModeServer {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO todos (label, done, created_at) VALUES (?, ?, ?)`,
			item.Label, item.Done, item.CreatedAt,
		)
		if err != nil {
			return protocol.Item{}, &protocol.StoreError{Op: "insert", Cause: err}
		}
		rowID, err := res.LastInsertId()
		if err != nil {
			return protocol.Item{}, &protocol.StoreError{Op: "insert", Cause: err}
		}
		item.ID = protocol.NumericID(rowID)
		return item, nil
	}

	if item.ID.IsZero() {
		return protocol.Item{}, &protocol.StoreError{Op: "insert", Cause: fmt.Errorf("client id mode requires a caller-supplied id")}
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO todos (id, label, done, created_at) VALUES (?, ?, ?, ?)`,
		item.ID.String(), item.Label, item.Done, item.CreatedAt,
	); err != nil {
		return protocol.Item{}, &protocol.StoreError{Op: "insert", Cause: err}
	}
	return item, nil
}

// UpdateByIDs applies the change set to every row in the id set with a single
// set-based statement. Only the fixed item columns can ever be targeted since
// the change set is a closed struct. Re-applying the same update is a no-op
// by construction.
func (s *Store) UpdateByIDs(ctx context.Context, ids []protocol.ItemID, changes protocol.Changes) error {
	if len(ids) == 0 || changes.IsZero() {
		return nil
	}
	sets := make([]string, 0, 2)
	args := make([]any, 0, len(ids)+2)
	if changes.Label != nil {
		sets = append(sets, "label = ?")
		args = append(args, *changes.Label)
	}
	if changes.Done != nil {
		sets = append(sets, "done = ?")
		args = append(args, *changes.Done)
	}
	query := fmt.Sprintf(
		`UPDATE todos SET %s WHERE id IN (%s)`,
		strings.Join(sets, ", "), placeholders(len(ids)),
	)
	for _, id := range ids {
		args = append(args, id.String())
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return &protocol.StoreError{Op: "update", Cause: err}
	}
	return nil
}

// DeleteByIDs removes every row in the id set with a single statement.
func (s *Store) DeleteByIDs(ctx context.Context, ids []protocol.ItemID) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids))
	for _, id := range ids {
		args = append(args, id.String())
	}
	query := fmt.Sprintf(`DELETE FROM todos WHERE id IN (%s)`, placeholders(len(ids)))
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return &protocol.StoreError{Op: "delete", Cause: err}
	}
	return nil
}

// SelectAll returns every item in creation order.
func (s *Store) SelectAll(ctx context.Context) ([]protocol.Item, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, label, done, created_at FROM todos ORDER BY created_at, id`,
	)
	if err != nil {
		return nil, &protocol.StoreError{Op: "select", Cause: err}
	}
	defer rows.Close()

	items := make([]protocol.Item, 0)
	for rows.Next() {
		var item protocol.Item
		var done int
		var createdAt time.Time
		if s.mode == protocol.IDModeServer {
			var rowID int64
			if err := rows.Scan(&rowID, &item.Label, &done, &createdAt); err != nil {
				return nil, &protocol.StoreError{Op: "select", Cause: err}
			}
			item.ID = protocol.NumericID(rowID)
		} else {
			var rowID string
			if err := rows.Scan(&rowID, &item.Label, &done, &createdAt); err != nil {
				return nil, &protocol.StoreError{Op: "select", Cause: err}
			}
			item.ID = protocol.ID(rowID)
		}
		item.Done = done != 0
		item.CreatedAt = createdAt.UTC()
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, &protocol.StoreError{Op: "select", Cause: err}
	}
	return items, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
