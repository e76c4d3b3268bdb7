package repo

import (
	"context"
	"errors"
	"testing"

	"ledgerview/internal/db"
	"ledgerview/internal/events"
	"ledgerview/internal/migrate"
)

func newTestRepo(t *testing.T) (Repo, events.Writer) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return Repo{DB: conn}, events.Writer{DB: conn}
}

func TestJournalQueries(t *testing.T) {
	ctx := context.Background()
	r, w := newTestRepo(t)
	records := []events.Record{
		{Type: events.TypeEventAccepted, EntityKind: "token", EntityID: "0xA1", BlockNumber: 7, Payload: events.Payload{"kind": "TokenCreated"}},
		{Type: events.TxType("SENT"), EntityKind: events.KindTransaction, EntityID: "t1"},
		{Type: events.TxType("BROADCASTED"), EntityKind: events.KindTransaction, EntityID: "t1", TxHash: "0xh"},
		{Type: events.TypeNotifySuccess, EntityKind: events.KindNotification},
	}
	for _, rec := range records {
		if _, err := w.Append(ctx, rec); err != nil {
			t.Fatalf("append %s: %v", rec.Type, err)
		}
	}

	latest, err := r.LatestEntries(ctx, 10, 0, EntryFilter{TypePrefix: events.TxTypePrefix})
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if len(latest) != 2 || latest[0].Type != "tx.broadcasted" || latest[0].TxHash != "0xh" {
		t.Fatalf("unexpected tx entries %+v", latest)
	}
	older, err := r.LatestEntries(ctx, 10, latest[0].ID, EntryFilter{TypePrefix: events.TxTypePrefix})
	if err != nil || len(older) != 1 || older[0].Type != "tx.sent" {
		t.Fatalf("paging failed: %+v %v", older, err)
	}

	after, err := r.EntriesAfter(ctx, 2, 1)
	if err != nil || len(after) != 2 || after[0].ID != 2 {
		t.Fatalf("entries after: %+v %v", after, err)
	}
	first, err := r.GetEntry(ctx, 1)
	if err != nil || first.BlockNumber != 7 || first.Payload != `{"kind":"TokenCreated"}` {
		t.Fatalf("get entry: %+v %v", first, err)
	}
	if _, err := r.GetEntry(ctx, 99); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if id, err := r.LatestEntryID(ctx); err != nil || id != 4 {
		t.Fatalf("latest id = %d %v", id, err)
	}
	counts, err := r.CountByType(ctx)
	if err != nil || counts[events.TypeEventAccepted] != 1 || counts["tx.sent"] != 1 {
		t.Fatalf("counts = %v %v", counts, err)
	}
}

func TestWebhookCursors(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRepo(t)
	if _, ok, err := r.WebhookCursor(ctx, "ops"); err != nil || ok {
		t.Fatalf("expected no cursor, got ok=%v err=%v", ok, err)
	}
	for _, c := range []int64{3, 9} {
		if err := r.SetWebhookCursor(ctx, "ops", c); err != nil {
			t.Fatal(err)
		}
	}
	cur, ok, err := r.WebhookCursor(ctx, "ops")
	if err != nil || !ok || cur != 9 {
		t.Fatalf("cursor = %d ok=%v err=%v", cur, ok, err)
	}
}

func TestMigrateIsRepeatable(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRepo(t)
	if err := migrate.Migrate(ctx, r.DB); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	v, err := migrate.Version(ctx, r.DB)
	if err != nil || v != 2 {
		t.Fatalf("version = %d %v", v, err)
	}
}
