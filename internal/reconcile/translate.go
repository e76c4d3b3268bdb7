// Package reconcile decides whether a contract event is new and, if so, which store
// updates it implies. Every path is idempotent: redelivering an accepted event is rejected.
package reconcile

import (
	"fmt"

	"ledgerview/internal/domain"
	"ledgerview/internal/store"
)

type Reason string

const (
	ReasonDuplicate      Reason = "duplicate"
	ReasonForeign        Reason = "not addressed to identity"
	ReasonClaimMissing   Reason = "claim not found"
	ReasonTokenMissing   Reason = "token not found"
	ReasonMessageMissing Reason = "message not found"
	ReasonSettled        Reason = "already settled"
	ReasonUnchanged      Reason = "value unchanged"
	ReasonUnsupported    Reason = "unsupported event"
)

// Decision is the outcome of Translate. A rejected decision has no updates and no display.
type Decision struct {
	Accepted bool
	Updates  []store.Update
	Display  string
	Reason   Reason
	// CausalGap marks a rejection caused by an event arriving before the one it depends on.
	CausalGap bool
}

func accept(display string, updates ...store.Update) Decision {
	return Decision{Accepted: true, Updates: updates, Display: display}
}

func reject(r Reason) Decision {
	return Decision{Reason: r}
}

func gap(r Reason) Decision {
	return Decision{Reason: r, CausalGap: true}
}

// Translate is pure: it reads s and never changes it.
func Translate(s store.Snapshot, evt domain.Event) Decision {
	switch e := evt.(type) {
	case domain.TokenCreated:
		return tokenCreated(s, e)
	case domain.ClaimSubmitted:
		return claimSubmitted(s, e)
	case domain.ClaimApproved:
		return claimApproved(s, e)
	case domain.ClaimRejected:
		return claimRejected(s, e)
	case domain.SupplyUpdated:
		return supplyUpdated(s, e)
	case domain.VerifierApproved:
		return verifierDecision(s, e.Claimer, claimKey(e.TokenAddrToReceiveVerifierNotice, e.ClaimID),
			e.VerifierTypeAddress, domain.VerifierStateApproved, e.Message, "One proof of your claim got approved")
	case domain.VerifierRejected:
		return verifierDecision(s, e.Claimer, claimKey(e.TokenAddrToReceiveVerifierNotice, e.ClaimID),
			e.VerifierTypeAddress, domain.VerifierStateRejected, e.Message, "One proof of your claim got rejected")
	case domain.MessageCreated:
		return messageCreated(s, e)
	case domain.MessageRead:
		return messageRead(s, e)
	case domain.SubmissionAdded:
		return submissionAdded(s, e)
	}
	return reject(ReasonUnsupported)
}

func claimKey(token domain.Address, id domain.FlexID) domain.ClaimKey {
	return domain.ClaimKey{Token: token, ClaimID: string(id)}
}

// tokenLabel never fails: unknown tokens render as their address.
func tokenLabel(s store.Snapshot, addr domain.Address) string {
	if t, ok := s.Token(addr); ok {
		return t.Label()
	}
	return string(addr)
}

func tokenCreated(s store.Snapshot, e domain.TokenCreated) Decision {
	if _, ok := s.Token(e.Address); ok {
		return reject(ReasonDuplicate)
	}
	t := domain.Token{
		Address:                 e.Address,
		Name:                    e.Name,
		Symbol:                  e.Symbol,
		Description:             e.Description,
		Unit:                    e.Unit,
		UserIsCreator:           s.IsIdentity(e.Creator),
		TotalSupply:             domain.NewAmount(0),
		CreationTime:            e.CreationTime,
		HasFixedMintingQuantity: e.HasFixedMintingQuantity,
		Underlyings:             e.Underlyings,
	}
	return accept(fmt.Sprintf("New token created: %s", t.Label()), store.AddToken{Token: t})
}

func claimSubmitted(s store.Snapshot, e domain.ClaimSubmitted) Decision {
	if !s.IsIdentity(e.Claimer) {
		return reject(ReasonForeign)
	}
	key := claimKey(e.TokenAddr, e.ClaimID)
	if _, ok := s.Claim(key); ok {
		return reject(ReasonDuplicate)
	}
	statuses := make(map[domain.Address]domain.VerifierStatus, len(e.RequiredVerifierTypes))
	for _, vt := range e.RequiredVerifierTypes {
		statuses[vt] = domain.VerifierStatus{State: domain.VerifierStateUnsubmitted}
	}
	c := domain.Claim{
		Key:              key,
		Claimer:          e.Claimer,
		Quantity:         e.Quantity,
		CreationTime:     e.ClaimCreationTime,
		Comment:          e.Comment,
		VerifierStatuses: statuses,
	}
	display := fmt.Sprintf("You are claiming %s %s tokens", e.Quantity, tokenLabel(s, e.TokenAddr))
	return accept(display, store.AddClaim{Claim: c})
}

func claimApproved(s store.Snapshot, e domain.ClaimApproved) Decision {
	if !s.IsIdentity(e.Claimer) {
		return reject(ReasonForeign)
	}
	key := claimKey(e.TokenAddr, e.ClaimID)
	c, ok := s.Claim(key)
	switch {
	case !ok:
		return gap(ReasonClaimMissing)
	case c.IsApproved:
		return reject(ReasonDuplicate)
	case c.GotRejected:
		return reject(ReasonSettled)
	}
	display := fmt.Sprintf("Claim approved: you got %s %s tokens", e.MintedQuantity, tokenLabel(s, e.TokenAddr))
	return accept(display,
		store.ApproveClaim{Key: key},
		store.UpdateBalance{Token: e.TokenAddr, Balance: e.NewBalance},
	)
}

func claimRejected(s store.Snapshot, e domain.ClaimRejected) Decision {
	if !s.IsIdentity(e.Claimer) {
		return reject(ReasonForeign)
	}
	key := claimKey(e.TokenAddr, e.ClaimID)
	c, ok := s.Claim(key)
	switch {
	case !ok:
		return gap(ReasonClaimMissing)
	case c.GotRejected:
		return reject(ReasonDuplicate)
	case c.IsApproved:
		return reject(ReasonSettled)
	}
	name := string(e.TokenAddr)
	if t, ok := s.Token(e.TokenAddr); ok && t.Name != "" {
		name = t.Name
	}
	return accept(fmt.Sprintf("Claim on token %s rejected", name), store.RejectClaim{Key: key})
}

// supplyUpdated treats an unchanged total as a redelivery.
func supplyUpdated(s store.Snapshot, e domain.SupplyUpdated) Decision {
	t, ok := s.Token(e.TokenAddr)
	if !ok {
		return gap(ReasonTokenMissing)
	}
	if t.TotalSupply.Equal(e.TotalSupply) {
		return reject(ReasonUnchanged)
	}
	return accept("", store.UpdateTotalSupply{Token: e.TokenAddr, Total: e.TotalSupply})
}

func verifierDecision(s store.Snapshot, claimer domain.Address, key domain.ClaimKey, verifier domain.Address, state domain.VerifierState, message, display string) Decision {
	if !s.IsIdentity(claimer) {
		return reject(ReasonForeign)
	}
	c, ok := s.Claim(key)
	if !ok {
		return gap(ReasonClaimMissing)
	}
	if current, ok := c.VerifierStatuses[verifier]; ok && current.State.Terminal() {
		if current.State == state {
			return reject(ReasonDuplicate)
		}
		return reject(ReasonSettled)
	}
	return accept(display,
		store.SetVerifierStatus{Key: key, Verifier: verifier, State: state},
		store.SetVerifierMessage{Key: key, Verifier: verifier, Message: message},
	)
}

func messageCreated(s store.Snapshot, e domain.MessageCreated) Decision {
	if !s.IsIdentity(e.Receiver) {
		return reject(ReasonForeign)
	}
	id := domain.NormalizeMessageID(string(e.MessageID))
	if s.MessageIndex(id) >= 0 {
		return reject(ReasonDuplicate)
	}
	return accept("You got a new message", store.AddMessageStub{ID: id})
}

func messageRead(s store.Snapshot, e domain.MessageRead) Decision {
	if !s.IsIdentity(e.Receiver) {
		return reject(ReasonForeign)
	}
	id := domain.NormalizeMessageID(string(e.MessageID))
	m, ok := s.Message(id)
	switch {
	case !ok:
		return gap(ReasonMessageMissing)
	case m.ActedUpon:
		return reject(ReasonDuplicate)
	}
	return accept("Message marked as read", store.MarkMessageRead{ID: id})
}

func submissionAdded(s store.Snapshot, e domain.SubmissionAdded) Decision {
	id := string(e.SubmissionID)
	if _, ok := s.Submissions[id]; ok {
		return reject(ReasonDuplicate)
	}
	sub := domain.Submission{
		ID:          id,
		Token:       e.Token,
		Author:      e.User,
		ContentType: e.ContentType,
		Content:     e.Content,
		Timestamp:   e.Timestamp,
	}
	symbol := string(e.Token)
	if t, ok := s.Token(e.Token); ok && t.Symbol != "" {
		symbol = t.Symbol
	}
	return accept(fmt.Sprintf("Submission added to token %s", symbol), store.AddSubmission{Submission: sub})
}
