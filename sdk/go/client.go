package ledgerviewsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal ledgerview HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// Token is the API token model (partial). Amounts are decimal strings.
type Token struct {
	Address     string `json:"address"`
	Name        string `json:"name"`
	Symbol      string `json:"symbol"`
	TotalSupply string `json:"total_supply"`
	IsOPAT      *bool  `json:"is_opat"`
}

type VerifierStatus struct {
	State   string `json:"state"`
	Message string `json:"message"`
}

// Claim is keyed by "<token>_<claim id>" in State.Claims.
type Claim struct {
	Claimer          string                    `json:"claimer"`
	IsApproved       bool                      `json:"is_approved"`
	GotRejected      bool                      `json:"got_rejected"`
	Quantity         string                    `json:"quantity"`
	VerifierStatuses map[string]VerifierStatus `json:"verifier_statuses"`
}

type Message struct {
	ID        string          `json:"id"`
	Content   json.RawMessage `json:"content,omitempty"`
	ActedUpon bool            `json:"acted_upon"`
}

type Transaction struct {
	ID         string `json:"id"`
	TempKey    string `json:"temp_key,omitempty"`
	TxHash     string `json:"tx_hash,omitempty"`
	Stage      string `json:"stage"`
	Contract   string `json:"contract,omitempty"`
	Method     string `json:"method,omitempty"`
	MethodStr  string `json:"method_str,omitempty"`
	DisplayStr string `json:"display_str,omitempty"`
	UpdatedAt  string `json:"updated_at"`
}

// State is the reconciled snapshot (partial).
type State struct {
	Version      uint64            `json:"version"`
	Identity     string            `json:"identity"`
	Tokens       map[string]Token  `json:"tokens"`
	Claims       map[string]Claim  `json:"claims"`
	Balances     map[string]string `json:"balances"`
	Messages     []Message         `json:"messages"`
	Transactions []Transaction     `json:"transactions"`

	TokensLoaded       bool                  `json:"tokens_loaded"`
	GovernanceBalances map[string]string     `json:"governance_balances"`
	Submissions        map[string]Submission `json:"submissions"`
	Collections        map[string]Collection `json:"collections"`
	Underlyings        []string              `json:"underlyings"`
	SystemParameters   map[string]string     `json:"system_parameters"`
}

type Decision struct {
	Accepted  bool   `json:"accepted"`
	Reason    string `json:"reason"`
	Display   string `json:"display"`
	CausalGap bool   `json:"causal_gap"`
	Version   uint64 `json:"version"`
}

type Transition struct {
	Record    Transaction `json:"record"`
	From      string      `json:"from"`
	Duplicate bool        `json:"duplicate"`
}

// JournalEntry is one persisted journal record.
type JournalEntry struct {
	ID          int64          `json:"id"`
	TS          string         `json:"ts"`
	Type        string         `json:"type"`
	EntityKind  string         `json:"entity_kind"`
	EntityID    string         `json:"entity_id"`
	TxHash      string         `json:"tx_hash"`
	BlockNumber int64          `json:"block_number"`
	Payload     map[string]any `json:"payload"`
}

// PaginatedJournal wraps journal listings with cursors.
type PaginatedJournal struct {
	Items      []JournalEntry `json:"items"`
	NextCursor string         `json:"next_cursor"`
}

type VerifierType struct {
	Address     string `json:"address"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type MessageContent struct {
	Type              int    `json:"type"`
	Sender            string `json:"sender"`
	VerifierTypeName  string `json:"verifier_type_name,omitempty"`
	Text              string `json:"text"`
	Attachment        string `json:"attachment,omitempty"`
	PendingApprovalID string `json:"pending_approval_id,omitempty"`
}

type Submission struct {
	ID          string `json:"id"`
	Token       string `json:"token"`
	Author      string `json:"author"`
	ContentType int    `json:"content_type"`
	Content     string `json:"content"`
	Timestamp   int64  `json:"timestamp"`
}

type Collection struct {
	Identifier  string   `json:"identifier"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tokens      []string `json:"tokens,omitempty"`
}

type LoadToken struct {
	Address       string `json:"address"`
	Name          string `json:"name"`
	Symbol        string `json:"symbol"`
	Description   string `json:"description,omitempty"`
	UserIsCreator bool   `json:"user_is_creator,omitempty"`
	TotalSupply   string `json:"total_supply,omitempty"`
	IsOPAT        *bool  `json:"is_opat,omitempty"`
}

type LoadClaim struct {
	Token            string                    `json:"token"`
	ClaimID          string                    `json:"claim_id"`
	Claimer          string                    `json:"claimer"`
	IsApproved       bool                      `json:"is_approved,omitempty"`
	GotRejected      bool                      `json:"got_rejected,omitempty"`
	Quantity         string                    `json:"quantity"`
	VerifierStatuses map[string]VerifierStatus `json:"verifier_statuses,omitempty"`
}

type LoadMessage struct {
	ID        string          `json:"id"`
	Content   *MessageContent `json:"content,omitempty"`
	ActedUpon bool            `json:"acted_upon,omitempty"`
}

// LoadRequest is the state fetched at startup. Amounts are decimal strings.
type LoadRequest struct {
	VerifierTypes       []VerifierType    `json:"verifier_types,omitempty"`
	Tokens              []LoadToken       `json:"tokens,omitempty"`
	Claims              []LoadClaim       `json:"claims,omitempty"`
	Balances            map[string]string `json:"balances,omitempty"`
	GovernanceBalances  map[string]string `json:"governance_balances,omitempty"`
	Messages            []LoadMessage     `json:"messages,omitempty"`
	Submissions         []Submission      `json:"submissions,omitempty"`
	Collections         []Collection      `json:"collections,omitempty"`
	Underlyings         []string          `json:"underlyings,omitempty"`
	SystemParameters    map[string]string `json:"system_parameters,omitempty"`
	ParameterizerParams map[string]string `json:"parameterizer_params,omitempty"`
}

// Commit reports the snapshot version after an out-of-band update.
type Commit struct {
	Updates int    `json:"updates"`
	Version uint64 `json:"version"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

func (c *Client) State(ctx context.Context) (State, error) {
	var resp State
	err := c.do(ctx, http.MethodGet, "state", nil, &resp)
	return resp, err
}

func (c *Client) Transactions(ctx context.Context) ([]Transaction, error) {
	var resp []Transaction
	err := c.do(ctx, http.MethodGet, "transactions", nil, &resp)
	return resp, err
}

// PostEvent sends one envelope; payload is the contract event body.
func (c *Client) PostEvent(ctx context.Context, kind string, payload any) (Decision, error) {
	body := map[string]any{"kind": kind, "payload": payload}
	var resp Decision
	err := c.do(ctx, http.MethodPost, "events", body, &resp)
	return resp, err
}

func (c *Client) Submit(ctx context.Context, contract, method string, args ...string) (Transition, error) {
	body := map[string]any{"contract": contract, "method": method}
	if len(args) > 0 {
		body["args"] = args
	}
	var resp Transition
	err := c.do(ctx, http.MethodPost, "transactions", body, &resp)
	return resp, err
}

// EnrichOptions carries the optional parts of an enrich call.
type EnrichOptions struct {
	CompletedURL    string
	FailedURL       string
	PendingClaimKey string
	PendingVerifier string
}

func (c *Client) Enrich(ctx context.Context, tempKey, methodStr, displayStr string, opts EnrichOptions) (Transition, error) {
	body := map[string]any{"method_str": methodStr, "display_str": displayStr}
	if opts.CompletedURL != "" {
		body["completed_url"] = opts.CompletedURL
	}
	if opts.FailedURL != "" {
		body["failed_url"] = opts.FailedURL
	}
	if opts.PendingClaimKey != "" {
		body["mark_verifier_pending"] = map[string]string{
			"claim_key":          opts.PendingClaimKey,
			"verifier_type_name": opts.PendingVerifier,
		}
	}
	var resp Transition
	err := c.do(ctx, http.MethodPost, "transactions/"+url.PathEscape(tempKey)+"/enrich", body, &resp)
	return resp, err
}

func (c *Client) Broadcasted(ctx context.Context, tempKey, txHash string) (Transition, error) {
	var resp Transition
	err := c.do(ctx, http.MethodPost, "transactions/"+url.PathEscape(tempKey)+"/broadcasted", map[string]string{"tx_hash": txHash}, &resp)
	return resp, err
}

func (c *Client) Failed(ctx context.Context, tempKey, message, code string) (Transition, error) {
	body := map[string]string{"message": message}
	if code != "" {
		body["code"] = code
	}
	var resp Transition
	err := c.do(ctx, http.MethodPost, "transactions/"+url.PathEscape(tempKey)+"/failed", body, &resp)
	return resp, err
}

// Receipt reports a successful receipt for txHash.
func (c *Client) Receipt(ctx context.Context, txHash string, blockNumber, status uint64) (Transition, error) {
	body := map[string]any{"block_number": blockNumber, "status": status}
	var resp Transition
	err := c.do(ctx, http.MethodPost, "receipts/"+url.PathEscape(txHash), body, &resp)
	return resp, err
}

func (c *Client) DryRunFailed(ctx context.Context, methodStr, displayStr, reason string) (Transition, error) {
	body := map[string]string{"method_str": methodStr, "display_str": displayStr, "reason": reason}
	var resp Transition
	err := c.do(ctx, http.MethodPost, "dry-run-failures", body, &resp)
	return resp, err
}

// Load commits the whole request as one batch.
func (c *Client) Load(ctx context.Context, req LoadRequest) (Commit, error) {
	var resp Commit
	err := c.do(ctx, http.MethodPost, "load", req, &resp)
	return resp, err
}

// EnrichMessage fills in the content of a stub message.
func (c *Client) EnrichMessage(ctx context.Context, id string, content MessageContent) (Commit, error) {
	var resp Commit
	err := c.do(ctx, http.MethodPost, "messages/"+url.PathEscape(id)+"/content", content, &resp)
	return resp, err
}

func (c *Client) MarkTokenOPAT(ctx context.Context, address string) (Commit, error) {
	var resp Commit
	err := c.do(ctx, http.MethodPost, "tokens/"+url.PathEscape(address)+"/opat", nil, &resp)
	return resp, err
}

func (c *Client) JournalEntry(ctx context.Context, id int64) (JournalEntry, error) {
	var resp JournalEntry
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("journal/%d", id), nil, &resp)
	return resp, err
}

// Journal returns a page of journal entries. typ may end in '*' for a prefix match.
func (c *Client) Journal(ctx context.Context, typ string, limit int, cursor string) (PaginatedJournal, error) {
	q := url.Values{}
	if typ != "" {
		q.Set("type", typ)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "journal"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedJournal
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
