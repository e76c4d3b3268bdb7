package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// Entry is one journal row.
type Entry struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts"`
	Type        string `json:"type"`
	EntityKind  string `json:"entity_kind"`
	EntityID    string `json:"entity_id,omitempty"`
	TxHash      string `json:"tx_hash,omitempty"`
	BlockNumber int64  `json:"block_number,omitempty"`
	Payload     string `json:"payload"`
}

// EntryFilter narrows journal queries. Empty fields match everything.
type EntryFilter struct {
	Type       string
	TypePrefix string
	EntityKind string
	EntityID   string
}

func (f EntryFilter) clauses() ([]string, []any) {
	clauses := []string{"1=1"}
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.TypePrefix != "" {
		clauses = append(clauses, "type LIKE ?")
		args = append(args, f.TypePrefix+"%")
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	return clauses, args
}

const entryColumns = `id,ts,type,entity_kind,COALESCE(entity_id,''),COALESCE(tx_hash,''),COALESCE(block_number,0),payload_json`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (Entry, error) {
	var e Entry
	err := row.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.TxHash, &e.BlockNumber, &e.Payload)
	return e, err
}

func (r Repo) query(ctx context.Context, query string, args ...any) ([]Entry, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEntries returns newest entries first. A positive cursor returns entries older
// than it, for paging backwards.
func (r Repo) LatestEntries(ctx context.Context, limit int, cursor int64, f EntryFilter) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses, args := f.clauses()
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	query := fmt.Sprintf(`SELECT %s FROM journal WHERE %s ORDER BY id DESC LIMIT ?`, entryColumns, strings.Join(clauses, " AND "))
	return r.query(ctx, query, append(args, limit)...)
}

// EntriesAfter returns entries with IDs greater than the cursor in ascending order.
func (r Repo) EntriesAfter(ctx context.Context, limit int, cursor int64) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT %s FROM journal WHERE id>? ORDER BY id ASC LIMIT ?`, entryColumns)
	return r.query(ctx, query, cursor, limit)
}

func (r Repo) GetEntry(ctx context.Context, id int64) (Entry, error) {
	e, err := scanEntry(r.DB.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM journal WHERE id=?`, entryColumns), id))
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	return e, err
}

// LatestEntryID returns the most recent entry ID, 0 for an empty journal.
func (r Repo) LatestEntryID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM journal`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) CountByType(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT type, COUNT(*) FROM journal GROUP BY type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, err
		}
		res[typ] = n
	}
	return res, rows.Err()
}

// WebhookCursor returns the last delivered entry for a hook. ok is false before the
// first delivery.
func (r Repo) WebhookCursor(ctx context.Context, hookID string) (cursor int64, ok bool, err error) {
	err = r.DB.QueryRowContext(ctx, `SELECT cursor FROM webhook_cursors WHERE hook_id=?`, hookID).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return cursor, true, nil
}

func (r Repo) SetWebhookCursor(ctx context.Context, hookID string, cursor int64) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO webhook_cursors(hook_id,cursor,updated_at) VALUES (?,?,?)
ON CONFLICT(hook_id) DO UPDATE SET cursor=excluded.cursor, updated_at=excluded.updated_at`,
		hookID, cursor, time.Now().UTC().Format(time.RFC3339))
	return err
}
