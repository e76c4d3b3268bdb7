package domain

import (
	"encoding/json"
	"time"
)

type Stage string

const (
	StageSent         Stage = "SENT"
	StageEnriched     Stage = "ENRICHED"
	StageBroadcasted  Stage = "BROADCASTED"
	StageSuccessful   Stage = "SUCCESSFUL"
	StageError        Stage = "ERROR"
	StageDryRunFailed Stage = "DRY_RUN_FAILED"
)

func (s Stage) Terminal() bool {
	switch s {
	case StageSuccessful, StageError, StageDryRunFailed:
		return true
	}
	return false
}

type CallbackName string

const (
	CallbackTransactionCompleted CallbackName = "transactionCompleted"
	CallbackTransactionFailed    CallbackName = "transactionFailed"
	CallbackMarkVerifierPending  CallbackName = "markVerifierPendingUponBroadcastedTransaction"
)

// Intent is what a caller asks to submit.
type Intent struct {
	Contract string   `json:"contract"`
	Method   string   `json:"method"`
	Args     []string `json:"args,omitempty"`
}

type TxError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type Receipt struct {
	TxHash      string          `json:"tx_hash"`
	BlockHash   string          `json:"block_hash,omitempty"`
	BlockNumber uint64          `json:"block_number,omitempty"`
	GasUsed     uint64          `json:"gas_used,omitempty"`
	Status      uint64          `json:"status"`
	Logs        json.RawMessage `json:"logs,omitempty"`
}

type StageChange struct {
	Stage Stage     `json:"stage"`
	At    time.Time `json:"at"`
}

type TransactionRecord struct {
	ID         string         `json:"id"`
	TempKey    string         `json:"temp_key,omitempty"`
	TxHash     string         `json:"tx_hash,omitempty"`
	Stage      Stage          `json:"stage" enum:"SENT,ENRICHED,BROADCASTED,SUCCESSFUL,ERROR,DRY_RUN_FAILED"`
	Contract   string         `json:"contract,omitempty"`
	Method     string         `json:"method,omitempty"`
	MethodStr  string         `json:"method_str,omitempty"`
	DisplayStr string         `json:"display_str,omitempty"`
	Err        *TxError       `json:"error,omitempty"`
	Receipt    *Receipt       `json:"receipt,omitempty"`
	Callbacks  []CallbackName `json:"callbacks,omitempty"`
	History    []StageChange  `json:"history"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Stages returns the recorded stage sequence.
func (r TransactionRecord) Stages() []Stage {
	out := make([]Stage, 0, len(r.History))
	for _, h := range r.History {
		out = append(out, h.Stage)
	}
	return out
}
