package risk

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/vietddude/custody/internal/core/domain"
	"github.com/vietddude/custody/internal/infra/storage"
)

// Request is the slice of a withdrawal the rules evaluate.
type Request struct {
	OperationID string
	UserID      string
	ToAddress   string
	TokenID     string
	Amount      string
	ChainID     domain.ChainID
}

// Rule is one weighted risk check. Rules are evaluated in order and their
// triggered weights are summed into the risk score.
type Rule interface {
	Name() string
	Weight() int
	// Evaluate reports whether the rule triggered and why.
	Evaluate(ctx context.Context, req *Request) (bool, string, error)
}

// LargeAmountRule triggers when the withdrawal amount meets or exceeds a
// minor-unit threshold.
type LargeAmountRule struct {
	Threshold  *big.Int
	RuleWeight int
}

func (r *LargeAmountRule) Name() string { return "large_amount" }

func (r *LargeAmountRule) Weight() int { return r.RuleWeight }

func (r *LargeAmountRule) Evaluate(ctx context.Context, req *Request) (bool, string, error) {
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok {
		return false, "", fmt.Errorf("invalid amount %q", req.Amount)
	}
	if amount.CmpAbs(r.Threshold) >= 0 {
		return true, fmt.Sprintf("amount %s >= threshold %s", req.Amount, r.Threshold), nil
	}
	return false, "", nil
}

// FrequencyRule triggers when the user has made too many withdrawals inside
// the lookback window.
type FrequencyRule struct {
	Credits     storage.CreditRepository
	Window      time.Duration
	MaxInWindow int
	RuleWeight  int
}

func (r *FrequencyRule) Name() string { return "withdrawal_frequency" }

func (r *FrequencyRule) Weight() int { return r.RuleWeight }

func (r *FrequencyRule) Evaluate(ctx context.Context, req *Request) (bool, string, error) {
	since := time.Now().Add(-r.Window)
	count, err := r.Credits.CountWithdrawalsSince(ctx, req.UserID, since)
	if err != nil {
		return false, "", fmt.Errorf("frequency lookup failed: %w", err)
	}
	if count >= r.MaxInWindow {
		return true, fmt.Sprintf("%d withdrawals in last %s", count, r.Window), nil
	}
	return false, "", nil
}

// NovelDestinationRule triggers when the user has never paid the destination
// address before.
type NovelDestinationRule struct {
	Credits    storage.CreditRepository
	RuleWeight int
}

func (r *NovelDestinationRule) Name() string { return "novel_destination" }

func (r *NovelDestinationRule) Weight() int { return r.RuleWeight }

func (r *NovelDestinationRule) Evaluate(ctx context.Context, req *Request) (bool, string, error) {
	known, err := r.Credits.HasDestination(ctx, req.UserID, req.ToAddress)
	if err != nil {
		return false, "", fmt.Errorf("destination lookup failed: %w", err)
	}
	if !known {
		return true, fmt.Sprintf("first transfer to %s", req.ToAddress), nil
	}
	return false, "", nil
}
