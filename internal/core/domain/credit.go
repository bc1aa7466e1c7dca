package domain

import "time"

type CreditStatus string

const (
	CreditStatusPending   CreditStatus = "pending"
	CreditStatusConfirmed CreditStatus = "confirmed"
	CreditStatusFinalized CreditStatus = "finalized"
	CreditStatusFailed    CreditStatus = "failed"
	CreditStatusFrozen    CreditStatus = "frozen"
)

// creditStatusRank orders the forward-only lifecycle. Terminal states share the
// highest rank so nothing can move past them.
var creditStatusRank = map[CreditStatus]int{
	CreditStatusPending:   1,
	CreditStatusFrozen:    1,
	CreditStatusConfirmed: 2,
	CreditStatusFinalized: 3,
	CreditStatusFailed:    3,
}

// CanTransition reports whether a credit may move from one status to another.
// Backward transitions are never allowed; amounts are never edited at all.
func (s CreditStatus) CanTransition(to CreditStatus) bool {
	from, ok := creditStatusRank[s]
	if !ok {
		return false
	}
	next, ok := creditStatusRank[to]
	if !ok {
		return false
	}
	return next > from
}

type CreditType string

const (
	CreditTypeDeposit   CreditType = "deposit"
	CreditTypeWithdraw  CreditType = "withdraw"
	CreditTypeCollect   CreditType = "collect"
	CreditTypeRebalance CreditType = "rebalance"
	CreditTypeTrade     CreditType = "trade"
	CreditTypeFreeze    CreditType = "freeze"
	CreditTypeUnfreeze  CreditType = "unfreeze"
	CreditTypeTransfer  CreditType = "transfer"
)

// Credit is an immutable ledger entry. Amounts are signed minor-unit integers
// encoded as strings; balances are derived by summing credits, never by
// mutating counters. The (ReferenceID, ReferenceType, EventIndex) tuple is
// globally unique, which is what makes every chain event and business action
// apply at most once.
type Credit struct {
	ID            uint64                 `json:"id"`
	UserID        string                 `json:"user_id"`
	Address       string                 `json:"address"`
	TokenID       string                 `json:"token_id"`
	Amount        string                 `json:"amount"`
	CreditType    CreditType             `json:"credit_type"`
	BusinessType  string                 `json:"business_type"`
	ReferenceID   string                 `json:"reference_id"`
	ReferenceType string                 `json:"reference_type"`
	EventIndex    int                    `json:"event_index"`
	ChainID       ChainID                `json:"chain_id"`
	ChainType     ChainType              `json:"chain_type"`
	Status        CreditStatus           `json:"status"`
	BlockNumber   uint64                 `json:"block_number"`
	TxHash        string                 `json:"tx_hash"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
}
