package ledgerviewsdk

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"

	"ledgerview/internal/db"
	"ledgerview/internal/engine"
	"ledgerview/internal/events"
	"ledgerview/internal/migrate"
	"ledgerview/internal/repo"
	"ledgerview/internal/server"
	"ledgerview/internal/telemetry"
)

func startServer(t *testing.T, secret string) string {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	w := events.Writer{DB: conn}
	e := engine.New(engine.Options{Identity: "0xMe", Journal: &w, Log: telemetry.Discard()})
	ctx, cancel := context.WithCancel(context.Background())
	go e.Run(ctx)
	handler, err := server.New(server.Config{Engine: e, Repo: repo.Repo{DB: conn}, Auth: server.AuthConfig{JWTSecret: secret}, Log: telemetry.Discard()})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		cancel()
		conn.Close()
	})
	return "http://" + ln.Addr().String()
}

func TestClientRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := New(startServer(t, ""))

	d, err := c.PostEvent(ctx, "TokenCreated", map[string]any{"addr": "0xA1", "creator": "0xMe", "name": "Recycling", "symbol": "RCY"})
	if err != nil || !d.Accepted {
		t.Fatalf("post event: %+v %v", d, err)
	}
	sent, err := c.Submit(ctx, "Token", "mint")
	if err != nil || sent.Record.Stage != "SENT" {
		t.Fatalf("submit: %+v %v", sent, err)
	}
	if _, err := c.Enrich(ctx, sent.Record.TempKey, "Mint", "Mint 5 RCY", EnrichOptions{}); err != nil {
		t.Fatalf("enrich: %v", err)
	}
	if _, err := c.Failed(ctx, sent.Record.TempKey, "user rejected", "4001"); err != nil {
		t.Fatalf("failed: %v", err)
	}

	state, err := c.State(ctx)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	tok := state.Tokens["0xA1"]
	if tok.Symbol != "RCY" || tok.TotalSupply != "0" || len(state.Transactions) != 1 || state.Transactions[0].Stage != "ERROR" {
		t.Fatalf("unexpected state %+v", state)
	}
	page, err := c.Journal(ctx, "tx.*", 10, "")
	if err != nil || len(page.Items) != 3 || page.Items[0].Type != "tx.error" {
		t.Fatalf("journal: %+v %v", page, err)
	}

	_, err = c.Broadcasted(ctx, "missing", "0x1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "correlation_miss" {
		t.Fatalf("expected correlation miss, got %v", err)
	}
}

func TestClientLoadsStateAndMarksEntities(t *testing.T) {
	ctx := context.Background()
	c := New(startServer(t, ""))

	commit, err := c.Load(ctx, LoadRequest{
		Tokens:           []LoadToken{{Address: "0xA1", Name: "Recycling", Symbol: "RCY", TotalSupply: "100"}},
		Claims:           []LoadClaim{{Token: "0xA1", ClaimID: "3", Claimer: "0xMe", Quantity: "5"}},
		Balances:         map[string]string{"0xA1": "105"},
		Messages:         []LoadMessage{{ID: "7"}},
		Submissions:      []Submission{{ID: "s1", Token: "0xA1", Author: "0xMe", Content: "hi"}},
		Collections:      []Collection{{Identifier: "c1", Name: "Recycling"}},
		Underlyings:      []string{"gold"},
		SystemParameters: map[string]string{"mode": "test"},
	})
	if err != nil || commit.Updates != 8 {
		t.Fatalf("load: %+v %v", commit, err)
	}
	if _, err := c.EnrichMessage(ctx, "7", MessageContent{Sender: "0xV1", Text: "hello"}); err != nil {
		t.Fatalf("enrich message: %v", err)
	}
	if _, err := c.MarkTokenOPAT(ctx, "0xA1"); err != nil {
		t.Fatalf("mark opat: %v", err)
	}
	state, err := c.State(ctx)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if !state.TokensLoaded || state.Balances["0xA1"] != "105" || state.Claims["0xA1_3"].Quantity != "5" {
		t.Fatalf("unexpected state %+v", state)
	}
	if opat := state.Tokens["0xA1"].IsOPAT; opat == nil || !*opat {
		t.Fatalf("token not flagged")
	}
	if len(state.Messages) != 1 || len(state.Messages[0].Content) == 0 {
		t.Fatalf("message not enriched: %+v", state.Messages)
	}
	if state.Submissions["s1"].Content != "hi" || state.Collections["c1"].Name != "Recycling" || state.SystemParameters["mode"] != "test" {
		t.Fatalf("bulk data missing: %+v", state)
	}

	page, err := c.Journal(ctx, "token.opat", 10, "")
	if err != nil || len(page.Items) != 1 {
		t.Fatalf("journal: %+v %v", page, err)
	}
	entry, err := c.JournalEntry(ctx, page.Items[0].ID)
	if err != nil || entry.EntityID != "0xA1" {
		t.Fatalf("journal entry: %+v %v", entry, err)
	}
	_, err = c.JournalEntry(ctx, 9999)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestClientSendsBearerToken(t *testing.T) {
	ctx := context.Background()
	c := New(startServer(t, "s3cret"))
	if _, err := c.State(ctx); err == nil {
		t.Fatalf("expected unauthorized without token")
	}
	token, err := server.SignToken("s3cret", "cli")
	if err != nil {
		t.Fatal(err)
	}
	c.BearerToken = token
	if _, err := c.State(ctx); err != nil {
		t.Fatalf("state with token: %v", err)
	}
}
