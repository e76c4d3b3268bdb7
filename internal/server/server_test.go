package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"testing"

	"ledgerview/internal/db"
	"ledgerview/internal/domain"
	"ledgerview/internal/engine"
	"ledgerview/internal/events"
	"ledgerview/internal/migrate"
	"ledgerview/internal/repo"
	"ledgerview/internal/store"
	"ledgerview/internal/telemetry"
)

type testServer struct {
	URL    string
	Engine *engine.Engine
	client *http.Client
}

func newTestServer(t *testing.T, auth AuthConfig) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	writer := events.Writer{DB: conn}
	e := engine.New(engine.Options{Identity: "0xMe", Journal: &writer, Log: telemetry.Discard()})
	if _, err := e.Load(context.Background(), store.AddVerifierTypes{Types: []domain.VerifierType{{Address: "0xV1", Name: "Location"}}}); err != nil {
		t.Fatalf("load verifier types: %v", err)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	go e.Run(runCtx)

	handler, err := New(Config{Engine: e, Repo: repo.Repo{DB: conn}, BasePath: "/v0", Auth: auth, Log: telemetry.Discard()})
	if err != nil {
		t.Fatalf("build handler: %v", err)
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
	return &testServer{URL: "http://" + ln.Addr().String(), Engine: e, client: &http.Client{}}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func (s *testServer) postEvent(t *testing.T, evt domain.Event) DecisionResponse {
	t.Helper()
	env, err := domain.EncodeEnvelope(evt)
	if err != nil {
		t.Fatal(err)
	}
	res, data := doJSON(t, s.client, http.MethodPost, s.URL+"/v0/events", env, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("post %s status %d: %s", evt.Kind(), res.StatusCode, data)
	}
	var d DecisionResponse
	if err := json.Unmarshal(data, &d); err != nil {
		t.Fatalf("unmarshal decision: %v", err)
	}
	return d
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var body struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("unmarshal error: %v (%s)", err, data)
	}
	return body.Error.Code
}

func TestEventsAreReconciledOverHTTP(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	created := domain.TokenCreated{Origin: domain.Origin{BlockNumber: 3}, Address: "0xA1", Creator: "0xOther", Name: "Recycling", Symbol: "RCY"}
	d := srv.postEvent(t, created)
	if !d.Accepted || d.Display != "New token created: Recycling [RCY]" {
		t.Fatalf("unexpected decision %+v", d)
	}
	if again := srv.postEvent(t, created); again.Accepted || again.Reason != "duplicate" || again.Version != d.Version {
		t.Fatalf("redelivery: %+v", again)
	}

	supply := `{"kind":"SupplyUpdated","payload":{"tokenAddr":"0xA1","totalSupply":123456789012345678901234567890}}`
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/events", supply, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("supply status %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/state", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("state status %d: %s", res.StatusCode, data)
	}
	var snap store.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("unmarshal state: %v", err)
	}
	tok, ok := snap.Tokens["0xA1"]
	if !ok || tok.TotalSupply.String() != "123456789012345678901234567890" {
		t.Fatalf("token lost precision or missing: %+v", tok)
	}

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/events", `{"kind":"Mystery","payload":{}}`, nil)
	if res.StatusCode != http.StatusBadRequest || errorCode(t, data) != "unknown_event_kind" {
		t.Fatalf("unknown kind: %d %s", res.StatusCode, data)
	}
	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/events", `{"kind":"TokenCreated","payload":{"addr":7}}`, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad payload: %d %s", res.StatusCode, data)
	}
}

type callbackSink struct {
	mu       sync.Mutex
	received []callbackBody
}

func startCallbackSink(t *testing.T) (*callbackSink, string) {
	t.Helper()
	sink := &callbackSink{}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body callbackBody
		_ = json.NewDecoder(r.Body).Decode(&body)
		sink.mu.Lock()
		sink.received = append(sink.received, body)
		sink.mu.Unlock()
	})}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })
	return sink, "http://" + ln.Addr().String()
}

func TestTransactionLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	sink, sinkURL := startCallbackSink(t)
	srv.postEvent(t, domain.ClaimSubmitted{TokenAddr: "0xA1", ClaimID: "7", Claimer: "0xMe", RequiredVerifierTypes: []domain.Address{"0xV1"}})

	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/transactions", SubmitRequest{Contract: "Location", Method: "submitProof"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit status %d: %s", res.StatusCode, data)
	}
	var sent TransitionResponse
	if err := json.Unmarshal(data, &sent); err != nil {
		t.Fatal(err)
	}
	key := sent.Record.TempKey
	if sent.Record.Stage != domain.StageSent || key == "" {
		t.Fatalf("unexpected record %+v", sent.Record)
	}

	enrich := EnrichRequest{
		MethodStr:           "Submit location proof",
		DisplayStr:          "Location proof for claim 7",
		CompletedURL:        sinkURL + "/done",
		MarkVerifierPending: &MarkVerifierPendingRequest{ClaimKey: "0xA1_7", VerifierTypeName: "Location"},
	}
	if res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/transactions/"+key+"/enrich", enrich, nil); res.StatusCode != http.StatusOK {
		t.Fatalf("enrich status %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/transactions/"+key+"/enrich", enrich, nil)
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "invalid_transition" {
		t.Fatalf("second enrich: %d %s", res.StatusCode, data)
	}
	if res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/transactions/"+key+"/broadcasted", BroadcastedRequest{TxHash: "0xhash"}, nil); res.StatusCode != http.StatusOK {
		t.Fatalf("broadcast status %d: %s", res.StatusCode, data)
	}
	claim := srv.Engine.Snapshot().Claims[domain.ClaimKey{Token: "0xA1", ClaimID: "7"}]
	if claim.VerifierStatuses["0xV1"].State != domain.VerifierStatePending {
		t.Fatalf("verifier not pending: %+v", claim.VerifierStatuses)
	}

	for i := 0; i < 2; i++ {
		res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/receipts/0xhash", map[string]any{"status": 1, "block_number": 9}, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("receipt status %d: %s", res.StatusCode, data)
		}
	}
	sink.mu.Lock()
	got := append([]callbackBody(nil), sink.received...)
	sink.mu.Unlock()
	if len(got) != 1 || got[0].Receipt == nil || got[0].Receipt.BlockNumber != 9 || got[0].TransactionID != sent.Record.ID {
		t.Fatalf("completion callbacks = %+v", got)
	}

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/journal?type=tx.*&limit=3", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("journal status %d: %s", res.StatusCode, data)
	}
	var page paginatedJournal
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 3 || page.Items[0].Type != "tx.successful" || page.NextCursor == "" {
		t.Fatalf("unexpected journal page %+v", page)
	}
	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/journal?type=tx.*&cursor="+page.NextCursor, nil, nil)
	if err := json.Unmarshal(data, &page); err != nil || len(page.Items) != 1 || page.Items[0].Type != "tx.sent" {
		t.Fatalf("second page %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/transactions", nil, nil)
	var txs []domain.TransactionRecord
	if err := json.Unmarshal(data, &txs); err != nil || len(txs) != 1 || txs[0].Stage != domain.StageSuccessful {
		t.Fatalf("transactions %d: %s", res.StatusCode, data)
	}
}

func (s *testServer) enrichedTransaction(t *testing.T) string {
	t.Helper()
	res, data := doJSON(t, s.client, http.MethodPost, s.URL+"/v0/transactions", SubmitRequest{Contract: "Token", Method: "mint"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit status %d: %s", res.StatusCode, data)
	}
	var sent TransitionResponse
	if err := json.Unmarshal(data, &sent); err != nil {
		t.Fatal(err)
	}
	key := sent.Record.TempKey
	if res, data := doJSON(t, s.client, http.MethodPost, s.URL+"/v0/transactions/"+key+"/enrich", EnrichRequest{MethodStr: "mint", DisplayStr: "Mint"}, nil); res.StatusCode != http.StatusOK {
		t.Fatalf("enrich status %d: %s", res.StatusCode, data)
	}
	return key
}

func TestSignalErrorsMapToStatusCodes(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/transactions/nope/broadcasted", BroadcastedRequest{TxHash: "0x1"}, nil)
	if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "correlation_miss" {
		t.Fatalf("broadcast miss: %d %s", res.StatusCode, data)
	}
	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/receipts/0xunknown", map[string]any{"status": 1}, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("receipt miss: %d %s", res.StatusCode, data)
	}
	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/transactions/nope/enrich", EnrichRequest{
		MarkVerifierPending: &MarkVerifierPendingRequest{ClaimKey: "no-separator", VerifierTypeName: "Location"},
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad claim key: %d %s", res.StatusCode, data)
	}
	first, second := srv.enrichedTransaction(t), srv.enrichedTransaction(t)
	if res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/transactions/"+first+"/broadcasted", BroadcastedRequest{TxHash: "0xdup"}, nil); res.StatusCode != http.StatusOK {
		t.Fatalf("first broadcast: %d %s", res.StatusCode, data)
	}
	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/transactions/"+second+"/broadcasted", BroadcastedRequest{TxHash: "0xdup"}, nil)
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "hash_conflict" {
		t.Fatalf("reused hash: %d %s", res.StatusCode, data)
	}
	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/dry-run-failures", DryRunFailureRequest{MethodStr: "mint", Reason: "reverted"}, nil)
	var tr TransitionResponse
	if err := json.Unmarshal(data, &tr); err != nil || tr.Record.Stage != domain.StageDryRunFailed {
		t.Fatalf("dry run %d: %s", res.StatusCode, data)
	}
}

func TestBearerAuthWhenSecretConfigured(t *testing.T) {
	srv := newTestServer(t, AuthConfig{JWTSecret: "s3cret"})
	if res, _ := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/health", nil, nil); res.StatusCode != http.StatusOK {
		t.Fatalf("health should stay open, got %d", res.StatusCode)
	}
	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/state", nil, nil)
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "unauthorized" {
		t.Fatalf("missing token: %d %s", res.StatusCode, data)
	}
	bad, _ := SignToken("other", "ops")
	if res, _ := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/state", nil, map[string]string{"Authorization": "Bearer " + bad}); res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong secret accepted: %d", res.StatusCode)
	}
	good, err := SignToken("s3cret", "ops")
	if err != nil {
		t.Fatal(err)
	}
	if res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/state", nil, map[string]string{"Authorization": "Bearer " + good}); res.StatusCode != http.StatusOK {
		t.Fatalf("valid token rejected: %d %s", res.StatusCode, data)
	}
}

func TestBulkLoadAndOutOfBandUpdatesOverHTTP(t *testing.T) {
	s := newTestServer(t, AuthConfig{})
	load := map[string]any{
		"tokens": []map[string]any{{"address": "0xA1", "name": "Recycling", "symbol": "RCY", "total_supply": "100"}},
		"claims": []map[string]any{{
			"token": "0xA1", "claim_id": "3", "claimer": "0xMe", "quantity": "5",
			"verifier_statuses": map[string]any{"0xV1": map[string]any{"state": "PENDING", "message": ""}},
		}},
		"balances":            map[string]string{"0xA1": "105"},
		"governance_balances": map[string]string{"0xGOV": "42"},
		"messages":            []map[string]any{{"id": "007"}},
		"submissions":         []map[string]any{{"id": "s1", "token": "0xA1", "author": "0xMe", "content_type": 0, "content": "hi", "timestamp": 1}},
		"collections":         []map[string]any{{"identifier": "c1", "name": "Recycling"}},
		"underlyings":         []string{"gold"},
	}
	res, data := doJSON(t, s.client, http.MethodPost, s.URL+"/v0/load", load, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("load status %d: %s", res.StatusCode, data)
	}
	var commit CommitResponse
	if err := json.Unmarshal(data, &commit); err != nil {
		t.Fatal(err)
	}
	if commit.Updates != 8 || commit.Version == 0 {
		t.Fatalf("unexpected commit %+v", commit)
	}
	snap := s.Engine.Snapshot()
	claim, ok := snap.Claim(domain.ClaimKey{Token: "0xA1", ClaimID: "3"})
	if !ok || claim.Quantity.String() != "5" || claim.VerifierStatuses["0xV1"].State != domain.VerifierStatePending {
		t.Fatalf("claim not loaded: %+v", claim)
	}
	if snap.Balances["0xA1"].String() != "105" || snap.GovernanceBalances["0xGOV"].String() != "42" {
		t.Fatalf("balances not loaded: %v %v", snap.Balances, snap.GovernanceBalances)
	}
	if len(snap.Submissions) != 1 || snap.Collections["c1"].Name != "Recycling" || len(snap.Underlyings) != 1 {
		t.Fatalf("submissions, collections or underlyings not loaded")
	}

	content := map[string]any{"type": 0, "sender": "0xV1", "text": "hello"}
	res, data = doJSON(t, s.client, http.MethodPost, s.URL+"/v0/messages/99/content", content, nil)
	if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "not_found" {
		t.Fatalf("expected 404 for unknown message, got %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, s.client, http.MethodPost, s.URL+"/v0/messages/7/content", content, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("enrich status %d: %s", res.StatusCode, data)
	}
	if m, ok := s.Engine.Snapshot().Message("7"); !ok || m.IsStub() || m.Content.Text != "hello" {
		t.Fatalf("message not enriched: %+v", m)
	}

	res, data = doJSON(t, s.client, http.MethodPost, s.URL+"/v0/tokens/0xa1/opat", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("opat status %d: %s", res.StatusCode, data)
	}
	if opat := s.Engine.Snapshot().Tokens["0xA1"].IsOPAT; opat == nil || !*opat {
		t.Fatalf("token not flagged")
	}

	res, data = doJSON(t, s.client, http.MethodGet, s.URL+"/v0/journal?type=state.loaded", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("journal status %d: %s", res.StatusCode, data)
	}
	var page struct {
		Items []JournalEntryResponse `json:"items"`
	}
	if err := json.Unmarshal(data, &page); err != nil || len(page.Items) == 0 {
		t.Fatalf("no state.loaded entries: %v %s", err, data)
	}
	res, data = doJSON(t, s.client, http.MethodGet, s.URL+"/v0/journal/"+strconv.FormatInt(page.Items[0].ID, 10), nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("journal entry status %d: %s", res.StatusCode, data)
	}
	var entry JournalEntryResponse
	if err := json.Unmarshal(data, &entry); err != nil || entry.Type != events.TypeStateLoaded {
		t.Fatalf("unexpected entry %+v: %v", entry, err)
	}
	res, data = doJSON(t, s.client, http.MethodGet, s.URL+"/v0/journal/9999", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for missing entry, got %d: %s", res.StatusCode, data)
	}

	version := s.Engine.Snapshot().Version
	res, data = doJSON(t, s.client, http.MethodPost, s.URL+"/v0/load", map[string]any{"balances": map[string]string{"0xA1": "lots"}}, nil)
	if res.StatusCode != http.StatusBadRequest || errorCode(t, data) != "bad_request" {
		t.Fatalf("expected 400 for bad amount, got %d: %s", res.StatusCode, data)
	}
	if s.Engine.Snapshot().Version != version {
		t.Fatalf("rejected load committed")
	}
}
