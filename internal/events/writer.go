// Package events appends entries to the journal: accepted contract events, transaction
// stage changes and notifications.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	TypeEventAccepted   = "event.accepted"
	TypeNotifySuccess   = "notify.success"
	TypeNotifyError     = "notify.error"
	TypeCorrelationMiss = "consistency.correlation_miss"
	TypeStateLoaded     = "state.loaded"
	TypeMessageEnriched = "message.enriched"
	TypeTokenMarkedOPAT = "token.opat"

	// TxTypePrefix prefixes transaction stage entries, e.g. "tx.broadcasted".
	TxTypePrefix = "tx."
)

const (
	KindTransaction  = "transaction"
	KindNotification = "notification"
	KindState        = "state"
)

// TxType returns the journal type for a transaction stage.
func TxType(stage string) string {
	return TxTypePrefix + strings.ToLower(stage)
}

type Payload map[string]any

type Record struct {
	Type        string
	EntityKind  string
	EntityID    string
	TxHash      string
	BlockNumber uint64
	Payload     any
}

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// Append writes rec in its own statement and returns the entry id.
func (w Writer) Append(ctx context.Context, rec Record) (int64, error) {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339Nano)
	payload := rec.Payload
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal journal payload: %w", err)
	}
	res, err := w.DB.ExecContext(ctx, `INSERT INTO journal(ts,type,entity_kind,entity_id,tx_hash,block_number,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, rec.Type, rec.EntityKind, nullable(rec.EntityID), nullable(rec.TxHash), nullableBlock(rec.BlockNumber), string(data))
	if err != nil {
		return 0, fmt.Errorf("append %s: %w", rec.Type, err)
	}
	return res.LastInsertId()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableBlock(v uint64) any {
	if v == 0 {
		return nil
	}
	return int64(v)
}
