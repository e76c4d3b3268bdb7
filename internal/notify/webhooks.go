package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ledgerview/internal/config"
	"ledgerview/internal/repo"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// WebhookDispatcher forwards journal entries to configured webhooks. Each hook keeps a
// persisted cursor; a failed delivery stops that hook's batch and is retried next tick.
type WebhookDispatcher struct {
	Repo     repo.Repo
	Webhooks []config.WebhookConfig
	Log      *slog.Logger
	Interval time.Duration
	Client   *http.Client
}

// Run delivers until ctx is done.
func (d *WebhookDispatcher) Run(ctx context.Context) error {
	interval := d.Interval
	if interval <= 0 {
		interval = defaultWebhookInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// DispatchAll runs one delivery pass over every enabled hook.
func (d *WebhookDispatcher) DispatchAll(ctx context.Context) {
	for _, hook := range d.Webhooks {
		if !hook.IsEnabled() || strings.TrimSpace(hook.URL) == "" {
			continue
		}
		if err := d.dispatchWebhook(ctx, hook); err != nil {
			d.logger().WarnContext(ctx, "webhook delivery failed", "hook", hook.ID, "url", hook.URL, "err", err)
		}
	}
}

func (d *WebhookDispatcher) logger() *slog.Logger {
	if d.Log == nil {
		return slog.Default()
	}
	return d.Log
}

func (d *WebhookDispatcher) dispatchWebhook(ctx context.Context, hook config.WebhookConfig) error {
	cursor, err := d.cursorFor(ctx, hook)
	if err != nil {
		return fmt.Errorf("init cursor: %w", err)
	}
	entries, err := d.Repo.EntriesAfter(ctx, defaultWebhookBatch, cursor)
	if err != nil {
		return fmt.Errorf("fetch entries: %w", err)
	}
	filter := newEntryFilter(hook.Events)
	for _, entry := range entries {
		if filter.match(entry.Type) {
			if err := d.post(ctx, hook, entry); err != nil {
				return err
			}
		}
		if err := d.Repo.SetWebhookCursor(ctx, hook.ID, entry.ID); err != nil {
			return fmt.Errorf("store cursor: %w", err)
		}
	}
	return nil
}

// cursorFor starts new hooks at the current end of the journal so history is not replayed.
func (d *WebhookDispatcher) cursorFor(ctx context.Context, hook config.WebhookConfig) (int64, error) {
	cur, ok, err := d.Repo.WebhookCursor(ctx, hook.ID)
	if err != nil || ok {
		return cur, err
	}
	cur, err = d.Repo.LatestEntryID(ctx)
	if err != nil {
		return 0, err
	}
	return cur, d.Repo.SetWebhookCursor(ctx, hook.ID, cur)
}

type webhookEntry struct {
	ID          int64           `json:"id"`
	Type        string          `json:"type"`
	EntityKind  string          `json:"entity_kind"`
	EntityID    string          `json:"entity_id,omitempty"`
	TxHash      string          `json:"tx_hash,omitempty"`
	BlockNumber int64           `json:"block_number,omitempty"`
	TS          string          `json:"ts"`
	Payload     json.RawMessage `json:"payload"`
}

func (d *WebhookDispatcher) post(ctx context.Context, hook config.WebhookConfig, entry repo.Entry) error {
	payload := json.RawMessage("{}")
	if json.Valid([]byte(entry.Payload)) {
		payload = json.RawMessage(entry.Payload)
	}
	data, err := json.Marshal(webhookEntry{
		ID:          entry.ID,
		Type:        entry.Type,
		EntityKind:  entry.EntityKind,
		EntityID:    entry.EntityID,
		TxHash:      entry.TxHash,
		BlockNumber: entry.BlockNumber,
		TS:          entry.TS,
		Payload:     payload,
	})
	if err != nil {
		return err
	}
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := d.Client
	if client == nil {
		client = &http.Client{}
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Ledgerview-Event", entry.Type)
	req.Header.Set("X-Ledgerview-Delivery", strconv.FormatInt(entry.ID, 10))
	req.Header.Set("X-Ledgerview-Hook", hook.ID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Ledgerview-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// entryFilter matches exact types, or a prefix when the pattern ends in '*' ("tx.*").
type entryFilter struct {
	all      bool
	exact    map[string]struct{}
	prefixes []string
}

func newEntryFilter(patterns []string) entryFilter {
	f := entryFilter{exact: map[string]struct{}{}}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		switch {
		case p == "":
		case p == "*":
			return entryFilter{all: true}
		case strings.HasSuffix(p, "*"):
			f.prefixes = append(f.prefixes, strings.TrimSuffix(p, "*"))
		default:
			f.exact[p] = struct{}{}
		}
	}
	if len(f.exact) == 0 && len(f.prefixes) == 0 {
		return entryFilter{all: true}
	}
	return f
}

func (f entryFilter) match(typ string) bool {
	if f.all {
		return true
	}
	if _, ok := f.exact[typ]; ok {
		return true
	}
	for _, p := range f.prefixes {
		if strings.HasPrefix(typ, p) {
			return true
		}
	}
	return false
}
