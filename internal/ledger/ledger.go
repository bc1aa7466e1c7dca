// Package ledger implements the append-only accounting store.
//
// Credits are the system of record: balances are always derived by summing
// credit amounts, never kept as mutable counters. That is what lets a reorg
// rollback be a pure delete with no compensating arithmetic.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/vietddude/custody/internal/core/domain"
	"github.com/vietddude/custody/internal/infra/storage"
	"github.com/vietddude/custody/internal/metrics"
)

var (
	// ErrInvalidAmount is returned when an amount is not a base-10 integer string.
	ErrInvalidAmount = errors.New("amount is not a valid minor-unit integer")

	// ErrBackwardTransition is returned when a status update would move a
	// credit backwards in its lifecycle.
	ErrBackwardTransition = errors.New("backward status transition rejected")
)

// Balance holds derived amounts for one (user, token) pair, minor-unit strings.
type Balance struct {
	Available string `json:"available"`
	Frozen    string `json:"frozen"`
	Total     string `json:"total"`
}

// Store is the ledger service over the credit repository.
type Store struct {
	credits storage.CreditRepository
	log     *slog.Logger
}

// NewStore creates a ledger store.
func NewStore(credits storage.CreditRepository, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{credits: credits, log: log}
}

// ParseAmount parses a signed minor-unit integer string.
func ParseAmount(s string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return n, nil
}

// Append inserts a credit. A storage.ErrDuplicateReference return means the
// entry was already applied; callers must treat that as a successful no-op.
func (s *Store) Append(ctx context.Context, c *domain.Credit) error {
	if _, err := ParseAmount(c.Amount); err != nil {
		return err
	}
	if c.Status == "" {
		c.Status = domain.CreditStatusPending
	}

	err := s.credits.Append(ctx, c)
	switch {
	case err == nil:
		metrics.LedgerAppends.WithLabelValues(string(c.CreditType), "applied").Inc()
		return nil
	case errors.Is(err, storage.ErrDuplicateReference):
		metrics.LedgerAppends.WithLabelValues(string(c.CreditType), "duplicate").Inc()
		s.log.Debug("duplicate credit reference ignored",
			"reference_id", c.ReferenceID,
			"reference_type", c.ReferenceType,
			"event_index", c.EventIndex)
		return err
	default:
		metrics.LedgerAppends.WithLabelValues(string(c.CreditType), "error").Inc()
		return err
	}
}

// Reverse appends a compensating credit that undoes the original entry.
// The original is never edited; the reversal shares its reference id with the
// next event index, so a retried reversal is itself idempotent. The reversal
// carries the original's current status, keeping the pair a net zero in every
// balance bucket.
func (s *Store) Reverse(ctx context.Context, original *domain.Credit, reason string) (*domain.Credit, error) {
	amount, err := ParseAmount(original.Amount)
	if err != nil {
		return nil, err
	}

	comp := &domain.Credit{
		UserID:        original.UserID,
		Address:       original.Address,
		TokenID:       original.TokenID,
		Amount:        new(big.Int).Neg(amount).String(),
		CreditType:    original.CreditType,
		BusinessType:  "reversal",
		ReferenceID:   original.ReferenceID,
		ReferenceType: original.ReferenceType,
		EventIndex:    original.EventIndex + 1,
		ChainID:       original.ChainID,
		ChainType:     original.ChainType,
		Status:        original.Status,
		Metadata:      map[string]interface{}{"reason": reason},
	}

	if err := s.Append(ctx, comp); err != nil && !errors.Is(err, storage.ErrDuplicateReference) {
		return nil, fmt.Errorf("failed to append compensating credit: %w", err)
	}
	return comp, nil
}

// Advance moves a credit forward in its lifecycle. Backward transitions are
// rejected before touching storage.
func (s *Store) Advance(ctx context.Context, id uint64, from, to domain.CreditStatus) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrBackwardTransition, from, to)
	}
	return s.credits.UpdateStatus(ctx, id, from, to)
}

// AdvanceByTxHash moves all credits referencing a tx hash forward.
func (s *Store) AdvanceByTxHash(ctx context.Context, txHash string, from, to domain.CreditStatus) (int64, error) {
	if !from.CanTransition(to) {
		return 0, fmt.Errorf("%w: %s -> %s", ErrBackwardTransition, from, to)
	}
	return s.credits.UpdateStatusByTxHash(ctx, txHash, from, to)
}

// BalancesOf derives balances for a user, optionally one token ("" = all
// tokens summed). Only finalized credits count toward settled balance:
// freeze/unfreeze entries make up the frozen bucket, everything else nets
// into total, and available is what remains after the frozen part.
func (s *Store) BalancesOf(ctx context.Context, userID, tokenID string) (*Balance, error) {
	credits, err := s.credits.ListByUserToken(ctx, userID, tokenID)
	if err != nil {
		return nil, fmt.Errorf("failed to load credits: %w", err)
	}

	total := new(big.Int)
	frozen := new(big.Int)
	for _, c := range credits {
		if c.Status != domain.CreditStatusFinalized {
			continue
		}
		amount, err := ParseAmount(c.Amount)
		if err != nil {
			return nil, fmt.Errorf("credit %d: %w", c.ID, err)
		}
		switch c.CreditType {
		case domain.CreditTypeFreeze, domain.CreditTypeUnfreeze:
			frozen.Add(frozen, amount)
		default:
			total.Add(total, amount)
		}
	}

	available := new(big.Int).Sub(total, frozen)
	return &Balance{
		Available: available.String(),
		Frozen:    frozen.String(),
		Total:     total.String(),
	}, nil
}

// SpendableOf returns what a new withdrawal may draw on: the finalized
// available balance net of withdrawal debits still in flight. In-flight debits
// are negative and hold their amount from the moment the request is durable
// until the debit itself finalizes, whatever intermediate status it passes
// through on the way.
func (s *Store) SpendableOf(ctx context.Context, userID, tokenID string) (*big.Int, error) {
	credits, err := s.credits.ListByUserToken(ctx, userID, tokenID)
	if err != nil {
		return nil, fmt.Errorf("failed to load credits: %w", err)
	}

	spendable := new(big.Int)
	frozen := new(big.Int)
	for _, c := range credits {
		amount, err := ParseAmount(c.Amount)
		if err != nil {
			return nil, fmt.Errorf("credit %d: %w", c.ID, err)
		}
		switch {
		case c.Status == domain.CreditStatusFinalized &&
			(c.CreditType == domain.CreditTypeFreeze || c.CreditType == domain.CreditTypeUnfreeze):
			frozen.Add(frozen, amount)
		case c.Status == domain.CreditStatusFinalized:
			spendable.Add(spendable, amount)
		case c.CreditType == domain.CreditTypeWithdraw &&
			(c.Status == domain.CreditStatusPending || c.Status == domain.CreditStatusConfirmed):
			spendable.Add(spendable, amount)
		}
	}
	return spendable.Sub(spendable, frozen), nil
}

// Rollback deletes every credit whose block number lies in [from, to].
// Used only by the reconciliation handler during reorg recovery.
func (s *Store) Rollback(ctx context.Context, chainID domain.ChainID, from, to uint64) (int64, error) {
	n, err := s.credits.DeleteByBlockRange(ctx, chainID, from, to)
	if err != nil {
		return 0, fmt.Errorf("failed to roll back credits: %w", err)
	}
	if n > 0 {
		s.log.Warn("rolled back ledger credits",
			"chain", chainID, "from_block", from, "to_block", to, "deleted", n)
	}
	return n, nil
}
