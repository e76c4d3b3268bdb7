package domain

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestAmountJSONAcceptsNumbersAndStrings(t *testing.T) {
	var a, b Amount
	if err := json.Unmarshal([]byte(`105`), &a); err != nil {
		t.Fatalf("number: %v", err)
	}
	if err := json.Unmarshal([]byte(`"105"`), &b); err != nil {
		t.Fatalf("string: %v", err)
	}
	if !a.Equal(b) || a.String() != "105" {
		t.Fatalf("expected 105, got %s and %s", a, b)
	}
	out, err := json.Marshal(a)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != `"105"` {
		t.Fatalf("unexpected encoding %s", out)
	}
	big := MustAmount("123456789012345678901234567890")
	if big.Cmp(NewAmount(1)) <= 0 {
		t.Fatalf("expected large amount to compare greater")
	}
}

func TestAmountIsImmutable(t *testing.T) {
	a := NewAmount(5)
	b := a.Big()
	b.SetInt64(99)
	if a.String() != "5" {
		t.Fatalf("amount changed through Big(): %s", a)
	}
	var zero Amount
	if !zero.IsZero() || !zero.Equal(NewAmount(0)) {
		t.Fatalf("zero value should equal 0")
	}
}

func TestClaimKeyRoundTrip(t *testing.T) {
	k := ClaimKey{Token: "0xA1", ClaimID: "7"}
	if k.String() != "0xA1_7" {
		t.Fatalf("unexpected key %s", k)
	}
	parsed, err := ParseClaimKey(k.String())
	if err != nil || parsed != k {
		t.Fatalf("parse: %v %v", parsed, err)
	}
	if _, err := ParseClaimKey("nokey"); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestSameAddressIgnoresCase(t *testing.T) {
	if !SameAddress("0xAbC", "0xabc") {
		t.Fatalf("expected case-insensitive match")
	}
	if SameAddress("", "") {
		t.Fatalf("empty addresses never match")
	}
}

func TestVerifierStateTerminal(t *testing.T) {
	cases := map[VerifierState]bool{
		VerifierStateUnsubmitted: false,
		VerifierStatePending:     false,
		VerifierStateApproved:    true,
		VerifierStateRejected:    true,
	}
	for st, want := range cases {
		if st.Terminal() != want {
			t.Fatalf("%s terminal = %v", st, !want)
		}
	}
	var evt Event = VerifierApproved{ClaimID: "1"}
	if evt.Kind() != KindVerifierApproved {
		t.Fatalf("unexpected kind %s", evt.Kind())
	}
}

func TestNormalizeMessageID(t *testing.T) {
	cases := map[string]string{"007": "7", "010": "10", " 12 ": "12", "0x10": "16", "abc": "abc"}
	for in, want := range cases {
		if got := NormalizeMessageID(in); got != want {
			t.Fatalf("NormalizeMessageID(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDecodeEnvelopeKnownKinds(t *testing.T) {
	payloads := map[EventKind]string{
		KindTokenCreated:     `{"addr":"0xA1","creator":"0xme","name":"Recycling","symbol":"RCY"}`,
		KindClaimSubmitted:   `{"tokenAddr":"0xA1","claimId":3,"claimer":"0xme","quantity":"5","requiredVerifierTypes":["0xV1"]}`,
		KindClaimApproved:    `{"tokenAddr":"0xA1","claimId":"3","claimer":"0xme","mintedQuantity":5,"newBalance":"105"}`,
		KindClaimRejected:    `{"tokenAddr":"0xA1","claimId":"3","claimer":"0xme"}`,
		KindSupplyUpdated:    `{"tokenAddr":"0xA1","totalSupply":"10"}`,
		KindVerifierApproved: `{"tokenAddrToReceiveVerifierNotice":"0xA1","claimId":"3","claimer":"0xme","verifierTypeAddress":"0xV1"}`,
		KindVerifierRejected: `{"tokenAddrToReceiveVerifierNotice":"0xA1","claimId":"3","claimer":"0xme","verifierTypeAddress":"0xV1","message":"no"}`,
		KindMessageCreated:   `{"receiver":"0xme","messageId":"007"}`,
		KindMessageRead:      `{"receiver":"0xme","messageId":7}`,
		KindSubmissionAdded:  `{"submissionId":"s1","token":"0xA1","user":"0xme","content":"hi"}`,
	}
	for _, kind := range EventKinds {
		raw, ok := payloads[kind]
		if !ok {
			t.Fatalf("no fixture for %s", kind)
		}
		evt, err := DecodeEnvelope(Envelope{Kind: kind, Origin: Origin{BlockNumber: 9}, Payload: json.RawMessage(raw)})
		if err != nil {
			t.Fatalf("decode %s: %v", kind, err)
		}
		if evt.Kind() != kind {
			t.Fatalf("decoded kind %s, want %s", evt.Kind(), kind)
		}
		if evt.Source().BlockNumber != 9 {
			t.Fatalf("%s lost origin", kind)
		}
	}
}

func TestDecodeEnvelopeNormalizesMessageIDs(t *testing.T) {
	evt, err := DecodeEnvelope(Envelope{Kind: KindMessageCreated, Payload: json.RawMessage(`{"receiver":"0xme","messageId":"007"}`)})
	if err != nil {
		t.Fatal(err)
	}
	if got := evt.(MessageCreated).MessageID; got != "7" {
		t.Fatalf("expected normalized id 7, got %s", got)
	}
}

func TestDecodeEnvelopeErrors(t *testing.T) {
	_, err := DecodeEnvelope(Envelope{Kind: "Transfer", Payload: json.RawMessage(`{}`)})
	var unknown UnknownKindError
	if !errors.As(err, &unknown) || unknown.Kind != "Transfer" {
		t.Fatalf("expected unknown kind error, got %v", err)
	}
	if _, err := DecodeEnvelope(Envelope{Kind: KindTokenCreated}); err == nil {
		t.Fatalf("expected missing payload error")
	}
	if _, err := DecodeEnvelope(Envelope{Kind: KindSupplyUpdated, Payload: json.RawMessage(`{"totalSupply":"x"}`)}); err == nil {
		t.Fatalf("expected amount decode error")
	}
}

func TestEncodeEnvelopeRoundTrip(t *testing.T) {
	in := SupplyUpdated{Origin: Origin{TxHash: "0xh"}, TokenAddr: "0xA1", TotalSupply: NewAmount(42)}
	env, err := EncodeEnvelope(in)
	if err != nil {
		t.Fatal(err)
	}
	out, err := DecodeEnvelope(env)
	if err != nil {
		t.Fatal(err)
	}
	got := out.(SupplyUpdated)
	if got.TokenAddr != "0xA1" || !got.TotalSupply.Equal(NewAmount(42)) || got.TxHash != "0xh" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}
