package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/vietddude/custody/internal/core/domain"
	"github.com/vietddude/custody/internal/infra/storage"
	"github.com/vietddude/custody/internal/infra/storage/memory"
)

func newTestStore() (*Store, *memory.CreditRepo) {
	repo := memory.NewCreditRepo(memory.NewMemoryStorage())
	return NewStore(repo, nil), repo
}

func depositCredit(user, amount, txHash string, eventIndex int, block uint64) *domain.Credit {
	return &domain.Credit{
		UserID:        user,
		TokenID:       "usdt",
		Amount:        amount,
		CreditType:    domain.CreditTypeDeposit,
		BusinessType:  "deposit",
		ReferenceID:   txHash,
		ReferenceType: "deposit",
		EventIndex:    eventIndex,
		ChainID:       domain.ChainID("eth"),
		ChainType:     domain.ChainTypeEVM,
		Status:        domain.CreditStatusFinalized,
		BlockNumber:   block,
		TxHash:        txHash,
	}
}

func TestAppend_DuplicateReferenceAppliesOnce(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()

	c := depositCredit("alice", "500", "0xabc", 0, 10)
	if err := store.Append(ctx, c); err != nil {
		t.Fatalf("first append failed: %v", err)
	}

	// Same (reference_id, reference_type, event_index) delivered twice.
	dup := depositCredit("alice", "500", "0xabc", 0, 10)
	err := store.Append(ctx, dup)
	if !errors.Is(err, storage.ErrDuplicateReference) {
		t.Fatalf("expected ErrDuplicateReference, got %v", err)
	}

	bal, err := store.BalancesOf(ctx, "alice", "usdt")
	if err != nil {
		t.Fatalf("BalancesOf failed: %v", err)
	}
	if bal.Total != "500" {
		t.Errorf("expected total 500 after duplicate delivery, got %s", bal.Total)
	}
}

func TestAppend_RejectsInvalidAmount(t *testing.T) {
	store, _ := newTestStore()

	c := depositCredit("alice", "12.5", "0xabc", 0, 10)
	if err := store.Append(context.Background(), c); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestBalancesOf_OnlyFinalizedCounts(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()

	if err := store.Append(ctx, depositCredit("alice", "1000", "0x1", 0, 5)); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	pending := depositCredit("alice", "700", "0x2", 0, 6)
	pending.Status = domain.CreditStatusPending
	if err := store.Append(ctx, pending); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	bal, err := store.BalancesOf(ctx, "alice", "usdt")
	if err != nil {
		t.Fatalf("BalancesOf failed: %v", err)
	}
	if bal.Total != "1000" || bal.Available != "1000" {
		t.Errorf("expected 1000/1000, got total=%s available=%s", bal.Total, bal.Available)
	}
}

func TestBalancesOf_FrozenBucket(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()

	if err := store.Append(ctx, depositCredit("alice", "1000", "0x1", 0, 5)); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	freeze := depositCredit("alice", "300", "freeze-1", 0, 0)
	freeze.CreditType = domain.CreditTypeFreeze
	freeze.ReferenceType = "freeze"
	if err := store.Append(ctx, freeze); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	bal, err := store.BalancesOf(ctx, "alice", "usdt")
	if err != nil {
		t.Fatalf("BalancesOf failed: %v", err)
	}
	if bal.Frozen != "300" {
		t.Errorf("expected frozen 300, got %s", bal.Frozen)
	}
	if bal.Available != "700" {
		t.Errorf("expected available 700, got %s", bal.Available)
	}
}

func TestSpendableOf_PendingDebitsHoldFunds(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()

	if err := store.Append(ctx, depositCredit("alice", "1000", "0x1", 0, 5)); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	debit := &domain.Credit{
		UserID:        "alice",
		TokenID:       "usdt",
		Amount:        "-300",
		CreditType:    domain.CreditTypeWithdraw,
		ReferenceID:   "wd-1",
		ReferenceType: "withdraw",
		Status:        domain.CreditStatusPending,
	}
	if err := store.Append(ctx, debit); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	spendable, err := store.SpendableOf(ctx, "alice", "usdt")
	if err != nil {
		t.Fatalf("SpendableOf failed: %v", err)
	}
	if spendable.String() != "700" {
		t.Errorf("expected spendable 700 with debit in flight, got %s", spendable)
	}

	// Reversing the debit releases the hold.
	if _, err := store.Reverse(ctx, debit, "test"); err != nil {
		t.Fatalf("Reverse failed: %v", err)
	}
	spendable, err = store.SpendableOf(ctx, "alice", "usdt")
	if err != nil {
		t.Fatalf("SpendableOf failed: %v", err)
	}
	if spendable.String() != "1000" {
		t.Errorf("expected spendable 1000 after reversal, got %s", spendable)
	}
}

func TestSpendableOf_ConfirmedDebitStillHolds(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()

	if err := store.Append(ctx, depositCredit("alice", "100000", "0x1", 0, 5)); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	debit := &domain.Credit{
		UserID:        "alice",
		TokenID:       "usdt",
		Amount:        "-100000",
		CreditType:    domain.CreditTypeWithdraw,
		ReferenceID:   "wd-1",
		ReferenceType: "withdraw",
		Status:        domain.CreditStatusPending,
	}
	if err := store.Append(ctx, debit); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	// The hold must survive the debit's confirmation; otherwise the balance
	// reopens while the withdrawal is still climbing to finality.
	if err := store.Advance(ctx, debit.ID, domain.CreditStatusPending, domain.CreditStatusConfirmed); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	spendable, err := store.SpendableOf(ctx, "alice", "usdt")
	if err != nil {
		t.Fatalf("SpendableOf failed: %v", err)
	}
	if spendable.String() != "0" {
		t.Fatalf("expected spendable 0 with confirmed debit in flight, got %s", spendable)
	}

	// Once finalized the debit settles into the balance itself.
	if err := store.Advance(ctx, debit.ID, domain.CreditStatusConfirmed, domain.CreditStatusFinalized); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	spendable, err = store.SpendableOf(ctx, "alice", "usdt")
	if err != nil {
		t.Fatalf("SpendableOf failed: %v", err)
	}
	if spendable.String() != "0" {
		t.Errorf("expected spendable 0 after settlement, got %s", spendable)
	}
}

func TestReverse_Idempotent(t *testing.T) {
	ctx := context.Background()
	store, repo := newTestStore()

	debit := &domain.Credit{
		UserID:        "alice",
		TokenID:       "usdt",
		Amount:        "-15000",
		CreditType:    domain.CreditTypeWithdraw,
		ReferenceID:   "wd-2",
		ReferenceType: "withdraw",
		Status:        domain.CreditStatusPending,
	}
	if err := store.Append(ctx, debit); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	comp, err := store.Reverse(ctx, debit, "risk denied")
	if err != nil {
		t.Fatalf("Reverse failed: %v", err)
	}
	if comp.Amount != "15000" {
		t.Errorf("expected compensating amount 15000, got %s", comp.Amount)
	}
	if comp.EventIndex != 1 {
		t.Errorf("expected event index 1, got %d", comp.EventIndex)
	}

	// A retried reversal must not double-compensate.
	if _, err := store.Reverse(ctx, debit, "risk denied"); err != nil {
		t.Fatalf("retried Reverse failed: %v", err)
	}
	all, err := repo.ListByReferenceID(ctx, "wd-2")
	if err != nil {
		t.Fatalf("ListByReferenceID failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected debit + one reversal, got %d credits", len(all))
	}
}

func TestAdvance_BackwardTransitionRejected(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()

	c := depositCredit("alice", "100", "0x9", 0, 3)
	if err := store.Append(ctx, c); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	err := store.Advance(ctx, c.ID, domain.CreditStatusFinalized, domain.CreditStatusPending)
	if !errors.Is(err, ErrBackwardTransition) {
		t.Fatalf("expected ErrBackwardTransition, got %v", err)
	}
}

func TestRollback_RemovesExactRange(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()

	for i, block := range []uint64{5, 6, 7, 8, 9} {
		c := depositCredit("alice", "100", "0xblock", i, block)
		if err := store.Append(ctx, c); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	n, err := store.Rollback(ctx, domain.ChainID("eth"), 7, 8)
	if err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 credits deleted, got %d", n)
	}

	bal, err := store.BalancesOf(ctx, "alice", "usdt")
	if err != nil {
		t.Fatalf("BalancesOf failed: %v", err)
	}
	if bal.Total != "300" {
		t.Errorf("expected total 300 after rollback, got %s", bal.Total)
	}
}
