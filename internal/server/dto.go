package server

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"

	"ledgerview/internal/domain"
	"ledgerview/internal/reconcile"
	"ledgerview/internal/repo"
	"ledgerview/internal/store"
	"ledgerview/internal/txlife"
)

// Request payloads

type OriginRequest struct {
	BlockNumber uint64 `json:"block_number,omitempty"`
	TxHash      string `json:"tx_hash,omitempty"`
	LogIndex    uint   `json:"log_index,omitempty"`
}

type EventRequest struct {
	Kind    string         `json:"kind" example:"TokenCreated"`
	Origin  *OriginRequest `json:"origin,omitempty"`
	Payload map[string]any `json:"payload"`
}

// decodeEventBody reads the raw body so large integer amounts keep full precision.
func decodeEventBody(raw []byte) (domain.Envelope, error) {
	var env domain.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return domain.Envelope{}, fmt.Errorf("invalid event body: %w", err)
	}
	return env, nil
}

type SubmitRequest struct {
	Contract string   `json:"contract"`
	Method   string   `json:"method"`
	Args     []string `json:"args,omitempty"`
}

type MarkVerifierPendingRequest struct {
	ClaimKey         string `json:"claim_key" example:"0xA1_7"`
	VerifierTypeName string `json:"verifier_type_name" example:"Location"`
}

type EnrichRequest struct {
	MethodStr           string                      `json:"method_str"`
	DisplayStr          string                      `json:"display_str"`
	CompletedURL        string                      `json:"completed_url,omitempty"`
	FailedURL           string                      `json:"failed_url,omitempty"`
	MarkVerifierPending *MarkVerifierPendingRequest `json:"mark_verifier_pending,omitempty"`
}

type BroadcastedRequest struct {
	TxHash string `json:"tx_hash"`
}

type FailedRequest struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type ReceiptRequest struct {
	BlockHash   string `json:"block_hash,omitempty"`
	BlockNumber uint64 `json:"block_number,omitempty"`
	GasUsed     uint64 `json:"gas_used,omitempty"`
	Status      uint64 `json:"status"`
	Logs        any    `json:"logs,omitempty"`
}

func (r ReceiptRequest) receipt(txHash string) (domain.Receipt, error) {
	rec := domain.Receipt{
		TxHash:      txHash,
		BlockHash:   r.BlockHash,
		BlockNumber: r.BlockNumber,
		GasUsed:     r.GasUsed,
		Status:      r.Status,
	}
	if r.Logs != nil {
		raw, err := json.Marshal(r.Logs)
		if err != nil {
			return domain.Receipt{}, fmt.Errorf("invalid logs: %w", err)
		}
		rec.Logs = raw
	}
	return rec, nil
}

type DryRunFailureRequest struct {
	MethodStr  string `json:"method_str"`
	DisplayStr string `json:"display_str"`
	Reason     string `json:"reason"`
}

// LoadRequest is the state fetched from the chain at startup. Every section is optional;
// amounts are decimal strings.
type LoadRequest struct {
	VerifierTypes       []domain.VerifierType `json:"verifier_types,omitempty"`
	Tokens              []TokenLoad           `json:"tokens,omitempty"`
	Claims              []ClaimLoad           `json:"claims,omitempty"`
	Balances            map[string]string     `json:"balances,omitempty"`
	GovernanceBalances  map[string]string     `json:"governance_balances,omitempty"`
	Messages            []MessageLoad         `json:"messages,omitempty"`
	Submissions         []domain.Submission   `json:"submissions,omitempty"`
	Collections         []domain.Collection   `json:"collections,omitempty"`
	Underlyings         []string              `json:"underlyings,omitempty"`
	SystemParameters    map[string]string     `json:"system_parameters,omitempty"`
	ParameterizerParams map[string]string     `json:"parameterizer_params,omitempty"`
}

type TokenLoad struct {
	Address                 string   `json:"address"`
	Name                    string   `json:"name"`
	Symbol                  string   `json:"symbol"`
	Description             string   `json:"description,omitempty"`
	Unit                    string   `json:"unit,omitempty"`
	UserIsCreator           bool     `json:"user_is_creator,omitempty"`
	TotalSupply             string   `json:"total_supply,omitempty" example:"100"`
	CreationTime            int64    `json:"creation_time,omitempty"`
	HasFixedMintingQuantity bool     `json:"has_fixed_minting_quantity,omitempty"`
	IsOPAT                  *bool    `json:"is_opat,omitempty"`
	Underlyings             []string `json:"underlyings,omitempty"`
}

type ClaimLoad struct {
	Token            string                           `json:"token"`
	ClaimID          string                           `json:"claim_id"`
	Claimer          string                           `json:"claimer"`
	IsApproved       bool                             `json:"is_approved,omitempty"`
	GotRejected      bool                             `json:"got_rejected,omitempty"`
	Quantity         string                           `json:"quantity" example:"5"`
	CreationTime     int64                            `json:"creation_time,omitempty"`
	Comment          string                           `json:"comment,omitempty"`
	VerifierStatuses map[string]domain.VerifierStatus `json:"verifier_statuses,omitempty"`
}

type MessageLoad struct {
	ID        string                 `json:"id"`
	Content   *domain.MessageContent `json:"content,omitempty"`
	ActedUpon bool                   `json:"acted_upon,omitempty"`
}

func parseAmount(field, v string) (domain.Amount, error) {
	if strings.TrimSpace(v) == "" {
		return domain.NewAmount(0), nil
	}
	a, err := domain.ParseAmount(v)
	if err != nil {
		return domain.Amount{}, fmt.Errorf("%s: %w", field, err)
	}
	return a, nil
}

func parseBalances(field string, in map[string]string) (map[domain.Address]domain.Amount, error) {
	out := make(map[domain.Address]domain.Amount, len(in))
	for addr, v := range in {
		a, err := parseAmount(field+"."+addr, v)
		if err != nil {
			return nil, err
		}
		out[domain.Address(addr)] = a
	}
	return out, nil
}

// updates converts the request into one store batch. Tokens come before claims so
// claim displays can resolve token metadata.
func (r LoadRequest) updates() ([]store.Update, error) {
	var out []store.Update
	if len(r.VerifierTypes) > 0 {
		out = append(out, store.AddVerifierTypes{Types: r.VerifierTypes})
	}
	if r.Tokens != nil {
		tokens := make([]domain.Token, 0, len(r.Tokens))
		for i, t := range r.Tokens {
			if strings.TrimSpace(t.Address) == "" {
				return nil, fmt.Errorf("tokens[%d]: address required", i)
			}
			supply, err := parseAmount(fmt.Sprintf("tokens[%d].total_supply", i), t.TotalSupply)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, domain.Token{
				Address:                 domain.Address(t.Address),
				Name:                    t.Name,
				Symbol:                  t.Symbol,
				Description:             t.Description,
				Unit:                    t.Unit,
				UserIsCreator:           t.UserIsCreator,
				TotalSupply:             supply,
				CreationTime:            t.CreationTime,
				HasFixedMintingQuantity: t.HasFixedMintingQuantity,
				IsOPAT:                  t.IsOPAT,
				Underlyings:             t.Underlyings,
			})
		}
		out = append(out, store.AddTokens{Tokens: tokens})
	}
	if len(r.Claims) > 0 {
		claims := make([]domain.Claim, 0, len(r.Claims))
		for i, c := range r.Claims {
			if c.Token == "" || c.ClaimID == "" {
				return nil, fmt.Errorf("claims[%d]: token and claim_id required", i)
			}
			if c.IsApproved && c.GotRejected {
				return nil, fmt.Errorf("claims[%d]: a claim cannot be both approved and rejected", i)
			}
			qty, err := parseAmount(fmt.Sprintf("claims[%d].quantity", i), c.Quantity)
			if err != nil {
				return nil, err
			}
			statuses := make(map[domain.Address]domain.VerifierStatus, len(c.VerifierStatuses))
			for addr, st := range c.VerifierStatuses {
				statuses[domain.Address(addr)] = st
			}
			claims = append(claims, domain.Claim{
				Key:              domain.ClaimKey{Token: domain.Address(c.Token), ClaimID: c.ClaimID},
				Claimer:          domain.Address(c.Claimer),
				IsApproved:       c.IsApproved,
				GotRejected:      c.GotRejected,
				Quantity:         qty,
				CreationTime:     c.CreationTime,
				Comment:          c.Comment,
				VerifierStatuses: statuses,
			})
		}
		out = append(out, store.AddClaims{Claims: claims})
	}
	if len(r.Balances) > 0 {
		balances, err := parseBalances("balances", r.Balances)
		if err != nil {
			return nil, err
		}
		out = append(out, store.UpdateBalances{Balances: balances})
	}
	if len(r.GovernanceBalances) > 0 {
		balances, err := parseBalances("governance_balances", r.GovernanceBalances)
		if err != nil {
			return nil, err
		}
		for _, addr := range slices.Sorted(maps.Keys(balances)) {
			out = append(out, store.UpdateGovernanceBalance{Token: addr, Balance: balances[addr]})
		}
	}
	if len(r.Messages) > 0 {
		msgs := make([]domain.Message, 0, len(r.Messages))
		for _, m := range r.Messages {
			msgs = append(msgs, domain.Message{ID: m.ID, Content: m.Content, ActedUpon: m.ActedUpon})
		}
		out = append(out, store.AddMessages{Messages: msgs})
	}
	if len(r.Submissions) > 0 {
		out = append(out, store.AddSubmissions{Submissions: r.Submissions})
	}
	if len(r.Collections) > 0 {
		out = append(out, store.AddCollections{Collections: r.Collections})
	}
	if r.Underlyings != nil {
		out = append(out, store.SetUnderlyings{Names: r.Underlyings})
	}
	for _, name := range slices.Sorted(maps.Keys(r.SystemParameters)) {
		out = append(out, store.SetSystemParameter{Name: name, Value: r.SystemParameters[name]})
	}
	if len(r.ParameterizerParams) > 0 {
		out = append(out, store.SetParameterizerParams{Params: r.ParameterizerParams})
	}
	return out, nil
}

// Response payloads

type DecisionResponse struct {
	Accepted  bool   `json:"accepted"`
	Reason    string `json:"reason,omitempty"`
	Display   string `json:"display,omitempty"`
	CausalGap bool   `json:"causal_gap,omitempty"`
	Updates   int    `json:"updates"`
	Version   uint64 `json:"version"`
}

func decisionResponse(d reconcile.Decision, version uint64) DecisionResponse {
	return DecisionResponse{
		Accepted:  d.Accepted,
		Reason:    string(d.Reason),
		Display:   d.Display,
		CausalGap: d.CausalGap,
		Updates:   len(d.Updates),
		Version:   version,
	}
}

type CommitResponse struct {
	Updates int    `json:"updates"`
	Version uint64 `json:"version"`
}

type TransitionResponse struct {
	Record    domain.TransactionRecord `json:"record"`
	From      string                   `json:"from,omitempty"`
	Duplicate bool                     `json:"duplicate,omitempty"`
}

func transitionResponse(tr txlife.Transition) TransitionResponse {
	return TransitionResponse{Record: tr.Record, From: string(tr.From), Duplicate: tr.Duplicate}
}

type JournalEntryResponse struct {
	ID          int64           `json:"id"`
	TS          string          `json:"ts"`
	Type        string          `json:"type"`
	EntityKind  string          `json:"entity_kind"`
	EntityID    string          `json:"entity_id,omitempty"`
	TxHash      string          `json:"tx_hash,omitempty"`
	BlockNumber int64           `json:"block_number,omitempty"`
	Payload     json.RawMessage `json:"payload" jsonschema:"type=object,additionalProperties=true"`
}

func journalEntryResponse(e repo.Entry) JournalEntryResponse {
	payload := json.RawMessage("{}")
	if json.Valid([]byte(e.Payload)) {
		payload = json.RawMessage(e.Payload)
	}
	return JournalEntryResponse{
		ID:          e.ID,
		TS:          e.TS,
		Type:        e.Type,
		EntityKind:  e.EntityKind,
		EntityID:    e.EntityID,
		TxHash:      e.TxHash,
		BlockNumber: e.BlockNumber,
		Payload:     payload,
	}
}

type paginatedJournal struct {
	Items      []JournalEntryResponse `json:"items"`
	NextCursor string                 `json:"next_cursor,omitempty"`
}

// journalFilter treats a trailing '*' as a prefix match, e.g. "tx.*".
func journalFilter(typ string) repo.EntryFilter {
	typ = strings.TrimSpace(typ)
	if strings.HasSuffix(typ, "*") {
		return repo.EntryFilter{TypePrefix: strings.TrimSuffix(typ, "*")}
	}
	return repo.EntryFilter{Type: typ}
}
