package shard

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/cuemby/shardsql/pkg/errors"
)

// EventRecord is one row of the _events change log.
type EventRecord struct {
	ID      int64
	Ts      int64
	Type    string
	Payload json.RawMessage
}

// Export pages rows from a table for a given tenant, used by the split
// orchestrator's backfill phase. Returns rows and the cursor to resume
// from (the last pk seen), or an empty cursor when exhausted.
func (e *Engine) Export(ctx context.Context, table, tenantID, tenantColumn string, cursor, limit int64) ([]Row, int64, error) {
	q := fmt.Sprintf(
		"SELECT rowid AS _rowid, * FROM %s WHERE %s = ? AND rowid > ? ORDER BY rowid LIMIT ?",
		quoteIdent(table), quoteIdent(tenantColumn),
	)
	rows, err := e.readDB.QueryContext(ctx, q, tenantID, cursor, limit)
	if err != nil {
		return nil, 0, classifyError(err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, 0, classifyError(err)
	}

	var out []Row
	var nextCursor int64
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, 0, classifyError(err)
		}
		row := make(Row, len(cols))
		for i, c := range cols {
			if c == "_rowid" {
				if id, ok := vals[i].(int64); ok {
					nextCursor = id
				}
				continue
			}
			row[c] = vals[i]
		}
		out = append(out, row)
	}
	return out, nextCursor, nil
}

// Import upserts a page of rows into table. Unique-constraint conflicts
// are treated as "row already present" rather than a hard failure, so
// the orchestrator's backfill cursor stays idempotent across retries.
func (e *Engine) Import(ctx context.Context, table string, rows []Row) (inserted int, err error) {
	if len(rows) == 0 {
		return 0, nil
	}

	_, err = e.submit(ctx, func(tx *sql.Tx) (any, error) {
		for _, row := range rows {
			cols := make([]string, 0, len(row))
			placeholders := make([]string, 0, len(row))
			vals := make([]any, 0, len(row))
			for c, v := range row {
				cols = append(cols, quoteIdent(c))
				placeholders = append(placeholders, "?")
				vals = append(vals, v)
			}
			q := fmt.Sprintf("INSERT OR IGNORE INTO %s (%s) VALUES (%s)",
				quoteIdent(table), strings.Join(cols, ","), strings.Join(placeholders, ","))
			res, execErr := tx.ExecContext(ctx, q, vals...)
			if execErr != nil {
				return nil, execErr
			}
			if affected, _ := res.RowsAffected(); affected > 0 {
				inserted++
			}
		}
		return nil, nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// Events returns _events rows with id > afterID, ordered by id, for
// tail replay. A pinned restore watermark caps the visible tail so the
// session observes the change log as of the bookmark.
func (e *Engine) Events(ctx context.Context, afterID int64, limit int) ([]EventRecord, error) {
	q := "SELECT id, ts, type, payload FROM _events WHERE id > ? ORDER BY id LIMIT ?"
	args := []any{afterID, limit}
	if wm := e.restoreWatermark.Load(); wm > 0 {
		q = "SELECT id, ts, type, payload FROM _events WHERE id > ? AND id <= ? ORDER BY id LIMIT ?"
		args = []any{afterID, wm, limit}
	}
	rows, err := e.readDB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classifyError(err)
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var rec EventRecord
		var payload string
		if err := rows.Scan(&rec.ID, &rec.Ts, &rec.Type, &payload); err != nil {
			return nil, classifyError(err)
		}
		rec.Payload = json.RawMessage(payload)
		out = append(out, rec)
	}
	return out, nil
}

// Bookmark returns an opaque handle naming the shard's current logical
// state (the highest _events.id at call time, or the pinned watermark
// when a restore is in effect).
func (e *Engine) Bookmark(ctx context.Context) (string, error) {
	var maxID sql.NullInt64
	if err := e.readDB.QueryRowContext(ctx, "SELECT MAX(id) FROM _events").Scan(&maxID); err != nil {
		return "", classifyError(err)
	}
	id := maxID.Int64
	if wm := e.restoreWatermark.Load(); wm > 0 && wm < id {
		id = wm
	}
	return fmt.Sprintf("events:%d", id), nil
}

// Restore pins the current session's change-log view to a previously
// issued bookmark and persists the watermark so the next session opens
// at that state too (the marker is consumed on open). Events, tail
// replay, and any event-sourced rebuild stop at the watermark; rolling
// the live user tables back beyond the change log is an operator
// backup concern, not this engine's.
func (e *Engine) Restore(bookmark string) error {
	var id int64
	if _, err := fmt.Sscanf(bookmark, "events:%d", &id); err != nil {
		return errors.New(errors.CodeInvalidQuery, "malformed bookmark")
	}

	_, err := e.submit(context.Background(), func(tx *sql.Tx) (any, error) {
		_, err := tx.Exec(`INSERT OR REPLACE INTO _meta (k, v) VALUES ('restore_watermark', ?)`, strconv.FormatInt(id, 10))
		return nil, err
	})
	if err != nil {
		return err
	}
	e.restoreWatermark.Store(id)
	return nil
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
