package domain

import "time"

type WithdrawStatus string

const (
	WithdrawStatusRequested       WithdrawStatus = "user_withdraw_request"
	WithdrawStatusRiskReviewing   WithdrawStatus = "risk_reviewing"
	WithdrawStatusManualReviewing WithdrawStatus = "manual_reviewing"
	WithdrawStatusSigning         WithdrawStatus = "signing"
	WithdrawStatusPending         WithdrawStatus = "pending"
	WithdrawStatusConfirmed       WithdrawStatus = "confirmed"
	WithdrawStatusSafe            WithdrawStatus = "safe"
	WithdrawStatusFinalized       WithdrawStatus = "finalized"
	WithdrawStatusFailed          WithdrawStatus = "failed"
	WithdrawStatusRejected        WithdrawStatus = "rejected"
)

// IsTerminal reports whether no further transition is possible.
func (s WithdrawStatus) IsTerminal() bool {
	switch s {
	case WithdrawStatusFinalized, WithdrawStatusFailed, WithdrawStatusRejected:
		return true
	}
	return false
}

// withdrawTransitions lists the legal forward edges of the state machine.
var withdrawTransitions = map[WithdrawStatus][]WithdrawStatus{
	WithdrawStatusRequested:       {WithdrawStatusRiskReviewing, WithdrawStatusRejected, WithdrawStatusFailed},
	WithdrawStatusRiskReviewing:   {WithdrawStatusManualReviewing, WithdrawStatusSigning, WithdrawStatusRejected, WithdrawStatusFailed},
	WithdrawStatusManualReviewing: {WithdrawStatusSigning, WithdrawStatusRejected},
	WithdrawStatusSigning:         {WithdrawStatusPending, WithdrawStatusFailed},
	WithdrawStatusPending:         {WithdrawStatusConfirmed, WithdrawStatusSigning, WithdrawStatusFailed},
	WithdrawStatusConfirmed:       {WithdrawStatusSafe, WithdrawStatusSigning, WithdrawStatusFailed},
	WithdrawStatusSafe:            {WithdrawStatusFinalized, WithdrawStatusSigning},
}

// CanTransition reports whether the state machine allows moving to next.
// pending/confirmed may fall back to signing after a reorg rollback.
func (s WithdrawStatus) CanTransition(next WithdrawStatus) bool {
	for _, t := range withdrawTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Withdraw is the mutable request record driven through the state machine.
// One Withdraw maps to exactly one debit Credit (reference_type "withdraw").
type Withdraw struct {
	ID                string         `json:"id"`
	UserID            string         `json:"user_id"`
	OperationID       string         `json:"operation_id"`
	ToAddress         string         `json:"to_address"`
	TokenID           string         `json:"token_id"`
	Amount            string         `json:"amount"`
	Fee               string         `json:"fee"`
	ChainID           ChainID        `json:"chain_id"`
	ChainType         ChainType      `json:"chain_type"`
	FromAddress       string         `json:"from_address"`
	TxHash            string         `json:"tx_hash"`
	GasPrice          string         `json:"gas_price"`
	GasLimit          uint64         `json:"gas_limit"`
	Nonce             uint64         `json:"nonce"`
	Status            WithdrawStatus `json:"status"`
	BusinessSignature string         `json:"-"`
	RiskSignature     string         `json:"-"`
	ErrorMessage      string         `json:"error_message,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}
