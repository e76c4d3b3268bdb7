package store

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"ledgerview/internal/domain"
)

var ErrNotFound = errors.New("not found")

// Apply returns the snapshot that results from u. The input is never mutated: touched
// maps and slices are cloned, untouched ones are shared with s.
func Apply(s Snapshot, u Update) (Snapshot, error) {
	switch u := u.(type) {
	case SetIdentity:
		s.Identity = u.Address
	case AddToken:
		s.Tokens = withEntry(s.Tokens, u.Token.Address, u.Token)
	case AddTokens:
		tokens := cloneMap(s.Tokens)
		for _, t := range u.Tokens {
			tokens[t.Address] = t
		}
		s.Tokens = tokens
		s.TokensLoaded = true
	case UpdateTotalSupply:
		t, ok := s.Tokens[u.Token]
		if !ok {
			return s, fmt.Errorf("update supply of token %s: %w", u.Token, ErrNotFound)
		}
		t.TotalSupply = u.Total
		s.Tokens = withEntry(s.Tokens, u.Token, t)
	case MarkTokenOPAT:
		for addr, t := range s.Tokens {
			if domain.SameAddress(addr, u.Address) {
				opat := true
				t.IsOPAT = &opat
				s.Tokens = withEntry(s.Tokens, addr, t)
				break
			}
		}
	case AddClaim:
		s.Claims = withEntry(s.Claims, u.Claim.Key, u.Claim)
	case AddClaims:
		claims := cloneMap(s.Claims)
		for _, c := range u.Claims {
			claims[c.Key] = c
		}
		s.Claims = claims
	case ApproveClaim:
		c, ok := s.Claims[u.Key]
		if !ok {
			return s, fmt.Errorf("approve claim %s: %w", u.Key, ErrNotFound)
		}
		c.IsApproved = true
		s.Claims = withEntry(s.Claims, u.Key, c)
	case RejectClaim:
		c, ok := s.Claims[u.Key]
		if !ok {
			return s, fmt.Errorf("reject claim %s: %w", u.Key, ErrNotFound)
		}
		c.GotRejected = true
		s.Claims = withEntry(s.Claims, u.Key, c)
	case SetVerifierStatus:
		c, ok := s.Claims[u.Key]
		if !ok {
			return s, fmt.Errorf("set verifier status on claim %s: %w", u.Key, ErrNotFound)
		}
		st := c.VerifierStatuses[u.Verifier]
		st.State = u.State
		c.VerifierStatuses = withEntry(c.VerifierStatuses, u.Verifier, st)
		s.Claims = withEntry(s.Claims, u.Key, c)
	case SetVerifierMessage:
		c, ok := s.Claims[u.Key]
		if !ok {
			return s, fmt.Errorf("set verifier message on claim %s: %w", u.Key, ErrNotFound)
		}
		st, ok := c.VerifierStatuses[u.Verifier]
		if !ok {
			st.State = domain.VerifierStateUnsubmitted
		}
		st.Message = u.Message
		c.VerifierStatuses = withEntry(c.VerifierStatuses, u.Verifier, st)
		s.Claims = withEntry(s.Claims, u.Key, c)
	case UpdateBalance:
		s.Balances = withEntry(s.Balances, u.Token, u.Balance)
	case UpdateBalances:
		balances := cloneMap(s.Balances)
		maps.Copy(balances, u.Balances)
		s.Balances = balances
	case UpdateGovernanceBalance:
		s.GovernanceBalances = withEntry(s.GovernanceBalances, u.Token, u.Balance)
	case AddVerifierTypes:
		types := cloneMap(s.VerifierTypes)
		for _, vt := range u.Types {
			types[vt.Address] = vt
		}
		s.VerifierTypes = types
	case AddMessages:
		msgs := slices.Clone(s.Messages)
		for _, m := range u.Messages {
			m.ID = domain.NormalizeMessageID(m.ID)
			if i := slices.IndexFunc(msgs, func(x domain.Message) bool { return x.ID == m.ID }); i >= 0 {
				msgs[i] = m
				continue
			}
			msgs = append(msgs, m)
		}
		s.Messages = msgs
	case AddMessageStub:
		id := domain.NormalizeMessageID(u.ID)
		if s.MessageIndex(id) >= 0 {
			break
		}
		s.Messages = append(slices.Clip(s.Messages), domain.Message{ID: id})
	case EnrichMessage:
		i := s.MessageIndex(domain.NormalizeMessageID(u.ID))
		if i < 0 {
			return s, fmt.Errorf("enrich message %s: %w", u.ID, ErrNotFound)
		}
		content := u.Content
		msgs := slices.Clone(s.Messages)
		msgs[i].Content = &content
		s.Messages = msgs
	case MarkMessageRead:
		i := s.MessageIndex(domain.NormalizeMessageID(u.ID))
		if i < 0 {
			return s, fmt.Errorf("mark message %s read: %w", u.ID, ErrNotFound)
		}
		msgs := slices.Clone(s.Messages)
		msgs[i].ActedUpon = true
		s.Messages = msgs
	case AddSubmission:
		s.Submissions = withEntry(s.Submissions, u.Submission.ID, u.Submission)
	case AddSubmissions:
		subs := cloneMap(s.Submissions)
		for _, sub := range u.Submissions {
			subs[sub.ID] = sub
		}
		s.Submissions = subs
	case AddCollections:
		cols := cloneMap(s.Collections)
		for _, c := range u.Collections {
			cols[c.Identifier] = c
		}
		s.Collections = cols
	case SetSystemParameter:
		s.SystemParameters = withEntry(s.SystemParameters, u.Name, u.Value)
	case SetParameterizerParams:
		params := cloneMap(s.ParameterizerParams)
		maps.Copy(params, u.Params)
		s.ParameterizerParams = params
	case SetUnderlyings:
		s.Underlyings = slices.Clone(u.Names)
	case AddUnderlyings:
		names := slices.Clip(s.Underlyings)
		for _, n := range u.Names {
			if !slices.Contains(names, n) {
				names = append(names, n)
			}
		}
		s.Underlyings = names
	case AppendTransaction:
		s.Transactions = append(slices.Clip(s.Transactions), u.Record)
	case ReplaceTransaction:
		i := s.TransactionIndex(u.Record.ID)
		if i < 0 {
			return s, fmt.Errorf("replace transaction %s: %w", u.Record.ID, ErrNotFound)
		}
		txs := slices.Clone(s.Transactions)
		txs[i] = u.Record
		s.Transactions = txs
	default:
		return s, fmt.Errorf("unsupported update %T", u)
	}
	return s, nil
}

// ApplyAll applies updates in order. On error the original snapshot is returned unchanged.
func ApplyAll(s Snapshot, updates ...Update) (Snapshot, error) {
	next := s
	for _, u := range updates {
		var err error
		next, err = Apply(next, u)
		if err != nil {
			return s, err
		}
	}
	return next, nil
}

func withEntry[K comparable, V any](m map[K]V, k K, v V) map[K]V {
	out := make(map[K]V, len(m)+1)
	maps.Copy(out, m)
	out[k] = v
	return out
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	maps.Copy(out, m)
	return out
}
