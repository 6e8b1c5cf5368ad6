package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Safehill/safehill-client-go/internal/common"
	"github.com/Safehill/safehill-client-go/internal/dbx"
)

// SQLiteStore implements Store on a single shared table, one logical queue
// per name. FIFO order is the table's insertion order.
type SQLiteStore struct {
	db   *sql.DB
	name Name
}

var _ Store = (*SQLiteStore)(nil)

// InitSchema creates the queue table if it does not exist.
func InitSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS queue_items (
  queue      TEXT NOT NULL,
  id         TEXT NOT NULL,
  payload    BLOB NOT NULL,
  created_at INTEGER NOT NULL,
  PRIMARY KEY (queue, id)
);
CREATE INDEX IF NOT EXISTS idx_queue_items_queue ON queue_items (queue);
`)
	if err != nil {
		return fmt.Errorf("failed to create queue schema: %w", err)
	}
	return nil
}

// NewSQLiteStore returns a Store bound to the named queue.
func NewSQLiteStore(db *sql.DB, name Name) *SQLiteStore {
	return &SQLiteStore{db: db, name: name}
}

func (s *SQLiteStore) Enqueue(ctx context.Context, id string, payload []byte) (*Item, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
INSERT INTO queue_items (queue, id, payload, created_at) VALUES (?, ?, ?, ?)
ON CONFLICT(queue, id) DO NOTHING`,
		string(s.name), id, payload, now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue item: %w", err)
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if ra == 0 {
		// already queued under this identifier
		return s.retrieveOne(ctx, id)
	}
	return &Item{ID: id, Payload: payload, CreatedAt: now}, nil
}

func (s *SQLiteStore) Peek(ctx context.Context) (*Item, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, payload, created_at FROM queue_items WHERE queue = ? ORDER BY rowid LIMIT 1`,
		string(s.name))
	return scanItem(row)
}

func (s *SQLiteStore) PeekMany(ctx context.Context, limit int) ([]*Item, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, payload, created_at FROM queue_items WHERE queue = ? ORDER BY rowid LIMIT ?`,
		string(s.name), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select items: %w", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

// Dequeue removes the item by identifier. The single DELETE makes the
// operation atomic: a competing dequeuer observes zero rows affected.
func (s *SQLiteStore) Dequeue(ctx context.Context, item *Item) (*Item, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM queue_items WHERE queue = ? AND id = ?`,
		string(s.name), item.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue item: %w", err)
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if ra == 0 {
		return nil, common.ErrNotFound
	}
	return item, nil
}

func (s *SQLiteStore) RetrieveItems(ctx context.Context, ids []string) ([]*Item, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(ids)-1) + "?"
	args := make([]any, 0, len(ids)+1)
	args = append(args, string(s.name))
	for _, id := range ids {
		args = append(args, id)
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, payload, created_at FROM queue_items
WHERE queue = ? AND id IN (`+placeholders+`) ORDER BY rowid`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve items: %w", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

func (s *SQLiteStore) RemoveValues(ctx context.Context, match func(id string) bool) ([]string, error) {
	var removed []string
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		rows, err := tx.QueryContext(ctx, `SELECT id FROM queue_items WHERE queue = ?`, string(s.name))
		if err != nil {
			return fmt.Errorf("failed to list identifiers: %w", err)
		}
		defer rows.Close()

		var matching []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			if match(id) {
				matching = append(matching, id)
			}
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for _, id := range matching {
			if _, err := tx.ExecContext(ctx, `DELETE FROM queue_items WHERE queue = ? AND id = ?`,
				string(s.name), id); err != nil {
				return fmt.Errorf("failed to remove item %s: %w", id, err)
			}
		}
		removed = matching
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

func (s *SQLiteStore) retrieveOne(ctx context.Context, id string) (*Item, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, payload, created_at FROM queue_items WHERE queue = ? AND id = ?`,
		string(s.name), id)
	return scanItem(row)
}

func scanItem(row *sql.Row) (*Item, error) {
	var item Item
	var createdAt int64
	if err := row.Scan(&item.ID, &item.Payload, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("query row scan failed: %w", err)
	}
	item.CreatedAt = time.Unix(0, createdAt)
	return &item, nil
}

func scanItems(rows *sql.Rows) ([]*Item, error) {
	var result []*Item
	for rows.Next() {
		var item Item
		var createdAt int64
		if err := rows.Scan(&item.ID, &item.Payload, &createdAt); err != nil {
			return nil, err
		}
		item.CreatedAt = time.Unix(0, createdAt)
		result = append(result, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
