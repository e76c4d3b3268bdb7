package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

type EventKind string

const (
	KindTokenCreated     EventKind = "TokenCreated"
	KindClaimSubmitted   EventKind = "ClaimSubmitted"
	KindClaimApproved    EventKind = "ClaimApproved"
	KindClaimRejected    EventKind = "ClaimRejected"
	KindSupplyUpdated    EventKind = "SupplyUpdated"
	KindVerifierApproved EventKind = "VerifierApproved"
	KindVerifierRejected EventKind = "VerifierRejected"
	KindMessageCreated   EventKind = "MessageCreated"
	KindMessageRead      EventKind = "MessageRead"
	KindSubmissionAdded  EventKind = "SubmissionAdded"
)

// EventKinds lists every kind DecodeEnvelope understands.
var EventKinds = []EventKind{
	KindTokenCreated,
	KindClaimSubmitted,
	KindClaimApproved,
	KindClaimRejected,
	KindSupplyUpdated,
	KindVerifierApproved,
	KindVerifierRejected,
	KindMessageCreated,
	KindMessageRead,
	KindSubmissionAdded,
}

// Origin locates an event on chain. All fields are optional.
type Origin struct {
	BlockNumber uint64 `json:"block_number,omitempty"`
	TxHash      string `json:"tx_hash,omitempty"`
	LogIndex    uint   `json:"log_index,omitempty"`
}

// Event is a contract event. The set of implementations is closed to this package.
type Event interface {
	Kind() EventKind
	Source() Origin
	isEvent()
}

type TokenCreated struct {
	Origin                  `json:"-"`
	Address                 Address  `json:"addr"`
	Creator                 Address  `json:"creator"`
	Name                    string   `json:"name"`
	Symbol                  string   `json:"symbol"`
	Description             string   `json:"description"`
	Unit                    string   `json:"unit"`
	CreationTime            int64    `json:"creationTime"`
	HasFixedMintingQuantity bool     `json:"hasFixedMintingQuantity"`
	Underlyings             []string `json:"underlyings"`
}

type ClaimSubmitted struct {
	Origin                `json:"-"`
	TokenAddr             Address   `json:"tokenAddr"`
	ClaimID               FlexID    `json:"claimId"`
	Claimer               Address   `json:"claimer"`
	Quantity              Amount    `json:"quantity"`
	ClaimCreationTime     int64     `json:"claimCreationTime"`
	Comment               string    `json:"comment"`
	RequiredVerifierTypes []Address `json:"requiredVerifierTypes"`
}

type ClaimApproved struct {
	Origin         `json:"-"`
	TokenAddr      Address `json:"tokenAddr"`
	ClaimID        FlexID  `json:"claimId"`
	Claimer        Address `json:"claimer"`
	MintedQuantity Amount  `json:"mintedQuantity"`
	NewBalance     Amount  `json:"newBalance"`
}

type ClaimRejected struct {
	Origin    `json:"-"`
	TokenAddr Address `json:"tokenAddr"`
	ClaimID   FlexID  `json:"claimId"`
	Claimer   Address `json:"claimer"`
}

type SupplyUpdated struct {
	Origin      `json:"-"`
	TokenAddr   Address `json:"tokenAddr"`
	TotalSupply Amount  `json:"totalSupply"`
}

// VerifierApproved and VerifierRejected address the claim through the token that
// receives the verifier notice.
type VerifierApproved struct {
	Origin                           `json:"-"`
	TokenAddrToReceiveVerifierNotice Address `json:"tokenAddrToReceiveVerifierNotice"`
	ClaimID                          FlexID  `json:"claimId"`
	Claimer                          Address `json:"claimer"`
	VerifierTypeAddress              Address `json:"verifierTypeAddress"`
	Message                          string  `json:"message"`
}

type VerifierRejected struct {
	Origin                           `json:"-"`
	TokenAddrToReceiveVerifierNotice Address `json:"tokenAddrToReceiveVerifierNotice"`
	ClaimID                          FlexID  `json:"claimId"`
	Claimer                          Address `json:"claimer"`
	VerifierTypeAddress              Address `json:"verifierTypeAddress"`
	Message                          string  `json:"message"`
}

type MessageCreated struct {
	Origin    `json:"-"`
	Receiver  Address `json:"receiver"`
	MessageID FlexID  `json:"messageId"`
}

type MessageRead struct {
	Origin    `json:"-"`
	Receiver  Address `json:"receiver"`
	MessageID FlexID  `json:"messageId"`
}

type SubmissionAdded struct {
	Origin       `json:"-"`
	SubmissionID FlexID  `json:"submissionId"`
	Token        Address `json:"token"`
	User         Address `json:"user"`
	ContentType  int     `json:"contentType"`
	Content      string  `json:"content"`
	Timestamp    int64   `json:"timestamp"`
}

func (TokenCreated) Kind() EventKind     { return KindTokenCreated }
func (ClaimSubmitted) Kind() EventKind   { return KindClaimSubmitted }
func (ClaimApproved) Kind() EventKind    { return KindClaimApproved }
func (ClaimRejected) Kind() EventKind    { return KindClaimRejected }
func (SupplyUpdated) Kind() EventKind    { return KindSupplyUpdated }
func (VerifierApproved) Kind() EventKind { return KindVerifierApproved }
func (VerifierRejected) Kind() EventKind { return KindVerifierRejected }
func (MessageCreated) Kind() EventKind   { return KindMessageCreated }
func (MessageRead) Kind() EventKind      { return KindMessageRead }
func (SubmissionAdded) Kind() EventKind  { return KindSubmissionAdded }

func (o Origin) Source() Origin { return o }

func (TokenCreated) isEvent()     {}
func (ClaimSubmitted) isEvent()   {}
func (ClaimApproved) isEvent()    {}
func (ClaimRejected) isEvent()    {}
func (SupplyUpdated) isEvent()    {}
func (VerifierApproved) isEvent() {}
func (VerifierRejected) isEvent() {}
func (MessageCreated) isEvent()   {}
func (MessageRead) isEvent()      {}
func (SubmissionAdded) isEvent()  {}

// FlexID is an on-chain identifier that may arrive as a JSON number or string.
type FlexID string

func (id *FlexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = FlexID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid id %s: %w", string(data), err)
	}
	*id = FlexID(n.String())
	return nil
}

func (id FlexID) String() string { return string(id) }

// Envelope is the wire form delivered by event sources.
type Envelope struct {
	Kind    EventKind       `json:"kind"`
	Origin  Origin          `json:"origin,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// UnknownKindError is returned by DecodeEnvelope for kinds outside EventKinds.
type UnknownKindError struct {
	Kind EventKind
}

func (e UnknownKindError) Error() string {
	return fmt.Sprintf("unknown event kind %q", e.Kind)
}

// DecodeEnvelope turns a wire envelope into a typed event.
func DecodeEnvelope(env Envelope) (Event, error) {
	kind := EventKind(strings.TrimSpace(string(env.Kind)))
	if len(env.Payload) == 0 {
		return nil, fmt.Errorf("event %s: payload required", kind)
	}
	var (
		evt Event
		err error
	)
	switch kind {
	case KindTokenCreated:
		var e TokenCreated
		err = json.Unmarshal(env.Payload, &e)
		e.Origin = env.Origin
		evt = e
	case KindClaimSubmitted:
		var e ClaimSubmitted
		err = json.Unmarshal(env.Payload, &e)
		e.Origin = env.Origin
		evt = e
	case KindClaimApproved:
		var e ClaimApproved
		err = json.Unmarshal(env.Payload, &e)
		e.Origin = env.Origin
		evt = e
	case KindClaimRejected:
		var e ClaimRejected
		err = json.Unmarshal(env.Payload, &e)
		e.Origin = env.Origin
		evt = e
	case KindSupplyUpdated:
		var e SupplyUpdated
		err = json.Unmarshal(env.Payload, &e)
		e.Origin = env.Origin
		evt = e
	case KindVerifierApproved:
		var e VerifierApproved
		err = json.Unmarshal(env.Payload, &e)
		e.Origin = env.Origin
		evt = e
	case KindVerifierRejected:
		var e VerifierRejected
		err = json.Unmarshal(env.Payload, &e)
		e.Origin = env.Origin
		evt = e
	case KindMessageCreated:
		var e MessageCreated
		err = json.Unmarshal(env.Payload, &e)
		e.Origin = env.Origin
		e.MessageID = FlexID(NormalizeMessageID(string(e.MessageID)))
		evt = e
	case KindMessageRead:
		var e MessageRead
		err = json.Unmarshal(env.Payload, &e)
		e.Origin = env.Origin
		e.MessageID = FlexID(NormalizeMessageID(string(e.MessageID)))
		evt = e
	case KindSubmissionAdded:
		var e SubmissionAdded
		err = json.Unmarshal(env.Payload, &e)
		e.Origin = env.Origin
		evt = e
	default:
		return nil, UnknownKindError{Kind: kind}
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return evt, nil
}

// EncodeEnvelope is the inverse of DecodeEnvelope.
func EncodeEnvelope(evt Event) (Envelope, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", evt.Kind(), err)
	}
	return Envelope{Kind: evt.Kind(), Origin: evt.Source(), Payload: payload}, nil
}
