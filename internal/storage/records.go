package storage

import (
	"context"
	"strings"
)

// LoadRecords returns every stored record keyed by path.
func (d *DB) LoadRecords(ctx context.Context) (map[string][]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.QueryContext(ctx, `SELECT path, data FROM _records`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var path, data string
		if err := rows.Scan(&path, &data); err != nil {
			return nil, err
		}
		out[path] = []byte(data)
	}
	return out, rows.Err()
}

// SaveRecord stores or fully replaces the record at path.
func (d *DB) SaveRecord(ctx context.Context, path string, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO _records (path, data, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(path) DO UPDATE SET
			data       = excluded.data,
			updated_at = CURRENT_TIMESTAMP`,
		path, string(data),
	)
	return err
}

// DeleteRecord removes the record at path. Missing records are not an error.
func (d *DB) DeleteRecord(ctx context.Context, path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.ExecContext(ctx, `DELETE FROM _records WHERE path = ?`, path)
	return err
}

// CountRecords returns how many records live under prefix ("" counts all).
func (d *DB) CountRecords(ctx context.Context, prefix string) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	prefix = strings.Trim(prefix, "/")
	var n int
	var err error
	if prefix == "" {
		err = d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM _records`).Scan(&n)
	} else {
		err = d.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM _records WHERE path = ? OR substr(path, 1, ?) = ?`,
			prefix, len(prefix)+1, prefix+"/").Scan(&n)
	}
	return n, err
}
