package store

import (
	"ledgerview/internal/domain"
)

// Snapshot is a point-in-time view of the reconciled state. Snapshots share structure
// with their predecessors; callers must treat every map and slice as read-only.
type Snapshot struct {
	Version             uint64                                 `json:"version"`
	Identity            domain.Address                         `json:"identity"`
	Tokens              map[domain.Address]domain.Token        `json:"tokens"`
	TokensLoaded        bool                                   `json:"tokens_loaded"`
	Claims              map[domain.ClaimKey]domain.Claim       `json:"claims"`
	Balances            map[domain.Address]domain.Amount       `json:"balances"`
	GovernanceBalances  map[domain.Address]domain.Amount       `json:"governance_balances"`
	VerifierTypes       map[domain.Address]domain.VerifierType `json:"verifier_types"`
	Messages            []domain.Message                       `json:"messages"`
	Submissions         map[string]domain.Submission           `json:"submissions"`
	Collections         map[string]domain.Collection           `json:"collections"`
	SystemParameters    map[string]string                      `json:"system_parameters"`
	ParameterizerParams map[string]string                      `json:"parameterizer_params"`
	Underlyings         []string                               `json:"underlyings"`
	Transactions        []domain.TransactionRecord             `json:"transactions"`
}

// Empty returns a snapshot with every collection initialised.
func Empty(identity domain.Address) Snapshot {
	return Snapshot{
		Identity:            identity,
		Tokens:              map[domain.Address]domain.Token{},
		Claims:              map[domain.ClaimKey]domain.Claim{},
		Balances:            map[domain.Address]domain.Amount{},
		GovernanceBalances:  map[domain.Address]domain.Amount{},
		VerifierTypes:       map[domain.Address]domain.VerifierType{},
		Messages:            []domain.Message{},
		Submissions:         map[string]domain.Submission{},
		Collections:         map[string]domain.Collection{},
		SystemParameters:    map[string]string{},
		ParameterizerParams: map[string]string{},
		Underlyings:         []string{},
		Transactions:        []domain.TransactionRecord{},
	}
}

func (s Snapshot) Token(addr domain.Address) (domain.Token, bool) {
	t, ok := s.Tokens[addr]
	return t, ok
}

func (s Snapshot) Claim(key domain.ClaimKey) (domain.Claim, bool) {
	c, ok := s.Claims[key]
	return c, ok
}

// MessageIndex scans the message list for id. Message lists stay small per account.
func (s Snapshot) MessageIndex(id string) int {
	for i, m := range s.Messages {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func (s Snapshot) Message(id string) (domain.Message, bool) {
	if i := s.MessageIndex(id); i >= 0 {
		return s.Messages[i], true
	}
	return domain.Message{}, false
}

// VerifierTypeByName resolves a verifier type address from its display name.
func (s Snapshot) VerifierTypeByName(name string) (domain.VerifierType, bool) {
	for _, vt := range s.VerifierTypes {
		if vt.Name == name {
			return vt, true
		}
	}
	return domain.VerifierType{}, false
}

func (s Snapshot) TransactionIndex(id string) int {
	for i, tx := range s.Transactions {
		if tx.ID == id {
			return i
		}
	}
	return -1
}

// IsIdentity reports whether addr is the local account.
func (s Snapshot) IsIdentity(addr domain.Address) bool {
	return domain.SameAddress(s.Identity, addr)
}
