package store

import (
	"ledgerview/internal/domain"
)

// Update is a typed change to a Snapshot. The set of updates is closed to this package.
type Update interface {
	isUpdate()
}

type SetIdentity struct {
	Address domain.Address
}

// AddToken inserts or replaces one token.
type AddToken struct {
	Token domain.Token
}

// AddTokens is the bulk initial load; it marks the token list as loaded.
type AddTokens struct {
	Tokens []domain.Token
}

type UpdateTotalSupply struct {
	Token domain.Address
	Total domain.Amount
}

// MarkTokenOPAT flags the token matching Address, ignoring case. Unknown addresses are ignored.
type MarkTokenOPAT struct {
	Address domain.Address
}

type AddClaim struct {
	Claim domain.Claim
}

type AddClaims struct {
	Claims []domain.Claim
}

type ApproveClaim struct {
	Key domain.ClaimKey
}

type RejectClaim struct {
	Key domain.ClaimKey
}

// SetVerifierStatus sets the state of one verifier entry and keeps its message.
type SetVerifierStatus struct {
	Key      domain.ClaimKey
	Verifier domain.Address
	State    domain.VerifierState
}

type SetVerifierMessage struct {
	Key      domain.ClaimKey
	Verifier domain.Address
	Message  string
}

type UpdateBalance struct {
	Token   domain.Address
	Balance domain.Amount
}

type UpdateBalances struct {
	Balances map[domain.Address]domain.Amount
}

type UpdateGovernanceBalance struct {
	Token   domain.Address
	Balance domain.Amount
}

type AddVerifierTypes struct {
	Types []domain.VerifierType
}

// AddMessages loads fetched messages, replacing entries with the same id.
type AddMessages struct {
	Messages []domain.Message
}

type AddMessageStub struct {
	ID string
}

type EnrichMessage struct {
	ID      string
	Content domain.MessageContent
}

type MarkMessageRead struct {
	ID string
}

type AddSubmission struct {
	Submission domain.Submission
}

type AddSubmissions struct {
	Submissions []domain.Submission
}

type AddCollections struct {
	Collections []domain.Collection
}

type SetSystemParameter struct {
	Name  string
	Value string
}

type SetParameterizerParams struct {
	Params map[string]string
}

type SetUnderlyings struct {
	Names []string
}

// AddUnderlyings appends names not already present.
type AddUnderlyings struct {
	Names []string
}

type AppendTransaction struct {
	Record domain.TransactionRecord
}

// ReplaceTransaction swaps the record with the same ID.
type ReplaceTransaction struct {
	Record domain.TransactionRecord
}

func (SetIdentity) isUpdate()             {}
func (AddToken) isUpdate()                {}
func (AddTokens) isUpdate()               {}
func (UpdateTotalSupply) isUpdate()       {}
func (MarkTokenOPAT) isUpdate()           {}
func (AddClaim) isUpdate()                {}
func (AddClaims) isUpdate()               {}
func (ApproveClaim) isUpdate()            {}
func (RejectClaim) isUpdate()             {}
func (SetVerifierStatus) isUpdate()       {}
func (SetVerifierMessage) isUpdate()      {}
func (UpdateBalance) isUpdate()           {}
func (UpdateBalances) isUpdate()          {}
func (UpdateGovernanceBalance) isUpdate() {}
func (AddVerifierTypes) isUpdate()        {}
func (AddMessages) isUpdate()             {}
func (AddMessageStub) isUpdate()          {}
func (EnrichMessage) isUpdate()           {}
func (MarkMessageRead) isUpdate()         {}
func (AddSubmission) isUpdate()           {}
func (AddSubmissions) isUpdate()          {}
func (AddCollections) isUpdate()          {}
func (SetSystemParameter) isUpdate()      {}
func (SetParameterizerParams) isUpdate()  {}
func (SetUnderlyings) isUpdate()          {}
func (AddUnderlyings) isUpdate()          {}
func (AppendTransaction) isUpdate()       {}
func (ReplaceTransaction) isUpdate()      {}
