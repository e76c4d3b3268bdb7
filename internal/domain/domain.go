package domain

import (
	"fmt"
	"strings"
)

type Address string

// SameAddress compares addresses ignoring hex checksum casing.
func SameAddress(a, b Address) bool {
	return a != "" && strings.EqualFold(string(a), string(b))
}

func (a Address) Lower() Address {
	return Address(strings.ToLower(string(a)))
}

type Token struct {
	Address                 Address  `json:"address"`
	Name                    string   `json:"name"`
	Symbol                  string   `json:"symbol"`
	Description             string   `json:"description,omitempty"`
	Unit                    string   `json:"unit,omitempty"`
	UserIsCreator           bool     `json:"user_is_creator"`
	TotalSupply             Amount   `json:"total_supply"`
	CreationTime            int64    `json:"creation_time,omitempty"`
	HasFixedMintingQuantity bool     `json:"has_fixed_minting_quantity"`
	IsOPAT                  *bool    `json:"is_opat"`
	Underlyings             []string `json:"underlyings,omitempty"`
}

// Label renders "Name [SYM]", falling back to the address when metadata is missing.
func (t Token) Label() string {
	if t.Name == "" && t.Symbol == "" {
		return string(t.Address)
	}
	return fmt.Sprintf("%s [%s]", t.Name, t.Symbol)
}

type VerifierState string

const (
	VerifierStateUnsubmitted VerifierState = "UNSUBMITTED"
	VerifierStatePending     VerifierState = "PENDING"
	VerifierStateApproved    VerifierState = "APPROVED"
	VerifierStateRejected    VerifierState = "REJECTED"
)

func (s VerifierState) Terminal() bool {
	return s == VerifierStateApproved || s == VerifierStateRejected
}

type VerifierStatus struct {
	State   VerifierState `json:"state" enum:"UNSUBMITTED,PENDING,APPROVED,REJECTED"`
	Message string        `json:"message"`
}

type VerifierType struct {
	Address     Address `json:"address"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
}

// ClaimKey identifies a claim by token and on-chain claim id.
type ClaimKey struct {
	Token   Address `json:"token"`
	ClaimID string  `json:"claim_id"`
}

func (k ClaimKey) String() string {
	return string(k.Token) + "_" + k.ClaimID
}

// ParseClaimKey parses the "<token>_<claimId>" form produced by ClaimKey.String.
func ParseClaimKey(s string) (ClaimKey, error) {
	idx := strings.LastIndex(s, "_")
	if idx <= 0 || idx == len(s)-1 {
		return ClaimKey{}, fmt.Errorf("invalid claim key %q", s)
	}
	return ClaimKey{Token: Address(s[:idx]), ClaimID: s[idx+1:]}, nil
}

func (k ClaimKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *ClaimKey) UnmarshalText(b []byte) error {
	parsed, err := ParseClaimKey(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

type Claim struct {
	Key              ClaimKey                   `json:"key"`
	Claimer          Address                    `json:"claimer"`
	IsApproved       bool                       `json:"is_approved"`
	GotRejected      bool                       `json:"got_rejected"`
	Quantity         Amount                     `json:"quantity"`
	CreationTime     int64                      `json:"creation_time"`
	Comment          string                     `json:"comment,omitempty"`
	VerifierStatuses map[Address]VerifierStatus `json:"verifier_statuses"`
}

type MessageContent struct {
	Type              int     `json:"type"`
	Sender            Address `json:"sender"`
	VerifierTypeName  string  `json:"verifier_type_name,omitempty"`
	Text              string  `json:"text"`
	Attachment        string  `json:"attachment,omitempty"`
	PendingApprovalID string  `json:"pending_approval_id,omitempty"`
}

// Message starts as a stub (Content nil) and is enriched by an out-of-band fetch.
type Message struct {
	ID        string          `json:"id"`
	Content   *MessageContent `json:"content"`
	ActedUpon bool            `json:"acted_upon"`
}

func (m Message) IsStub() bool {
	return m.Content == nil
}

// NormalizeMessageID renders numeric ids in canonical decimal form.
func NormalizeMessageID(id string) string {
	id = strings.TrimSpace(id)
	if v, ok := parseInteger(id); ok {
		return v.String()
	}
	return id
}

type Submission struct {
	ID          string  `json:"id"`
	Token       Address `json:"token"`
	Author      Address `json:"author"`
	ContentType int     `json:"content_type"`
	Content     string  `json:"content"`
	Timestamp   int64   `json:"timestamp"`
}

type Collection struct {
	Identifier  string    `json:"identifier"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Tokens      []Address `json:"tokens,omitempty"`
}
