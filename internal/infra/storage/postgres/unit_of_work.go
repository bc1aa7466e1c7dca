package postgres

import (
	"context"
	"fmt"
	"math/big"

	"github.com/jmoiron/sqlx"

	"github.com/vietddude/custody/internal/core/domain"
	"github.com/vietddude/custody/internal/infra/storage"
)

// UnitOfWork bundles multi-statement mutations into a single database
// transaction, ensuring atomicity (all succeed or all fail). The orchestrator
// uses it so a withdraw row never exists without its debit credit.
type UnitOfWork struct {
	db *DB
	tx *sqlx.Tx
}

// NewUnitOfWork creates a new unit of work with an active transaction.
func (db *DB) NewUnitOfWork(ctx context.Context) (*UnitOfWork, error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &UnitOfWork{db: db, tx: tx}, nil
}

// Commit commits the transaction.
func (u *UnitOfWork) Commit() error {
	if u.tx == nil {
		return fmt.Errorf("transaction already completed")
	}
	err := u.tx.Commit()
	u.tx = nil
	return err
}

// Rollback rolls back the transaction. Safe to call multiple times.
func (u *UnitOfWork) Rollback() error {
	if u.tx == nil {
		return nil // Already committed or rolled back
	}
	err := u.tx.Rollback()
	u.tx = nil
	return err
}

// CreateWithdraw inserts a withdraw row within the transaction.
func (u *UnitOfWork) CreateWithdraw(ctx context.Context, w *domain.Withdraw) error {
	return insertWithdraw(ctx, u.tx, w)
}

// AppendCredit inserts a ledger credit within the transaction.
func (u *UnitOfWork) AppendCredit(ctx context.Context, c *domain.Credit) error {
	return insertCredit(ctx, u.tx, c)
}

// CreateWithDebit inserts a withdraw row together with its debit credit in one
// transaction. The user's credits are locked and summed inside the same
// transaction, so the hold is check-and-insert atomic: two concurrent requests
// cannot both read the same spendable balance. Duplicate operation ids and
// duplicate credit references both roll the pair back.
func (db *DB) CreateWithDebit(ctx context.Context, w *domain.Withdraw, debit *domain.Credit) error {
	required, ok := new(big.Int).SetString(debit.Amount, 10)
	if !ok {
		return fmt.Errorf("invalid debit amount %q", debit.Amount)
	}
	required.Neg(required)

	uow, err := db.NewUnitOfWork(ctx)
	if err != nil {
		return err
	}
	defer uow.Rollback()

	spendable, err := uow.lockSpendable(ctx, debit.UserID, debit.TokenID)
	if err != nil {
		return err
	}
	if spendable.Cmp(required) < 0 {
		return fmt.Errorf("%w: have %s, need %s", storage.ErrInsufficientFunds, spendable, required)
	}

	if err := uow.CreateWithdraw(ctx, w); err != nil {
		return err
	}
	if err := uow.AppendCredit(ctx, debit); err != nil {
		return err
	}
	return uow.Commit()
}

// lockSpendable locks the user's credit rows and derives the spendable balance
// under the transaction, mirroring the ledger's spendable rules: finalized
// credits settle, in-flight withdraw debits hold, freeze entries subtract.
func (u *UnitOfWork) lockSpendable(ctx context.Context, userID, tokenID string) (*big.Int, error) {
	query := `
		SELECT amount, credit_type, status FROM credits
		WHERE user_id = $1 AND token_id = $2
		FOR UPDATE
	`
	rows := []struct {
		Amount     string `db:"amount"`
		CreditType string `db:"credit_type"`
		Status     string `db:"status"`
	}{}
	if err := u.tx.SelectContext(ctx, &rows, query, userID, tokenID); err != nil {
		return nil, fmt.Errorf("failed to lock credits: %w", err)
	}

	spendable := new(big.Int)
	frozen := new(big.Int)
	for _, r := range rows {
		amount, ok := new(big.Int).SetString(r.Amount, 10)
		if !ok {
			return nil, fmt.Errorf("invalid credit amount %q", r.Amount)
		}
		creditType := domain.CreditType(r.CreditType)
		status := domain.CreditStatus(r.Status)
		switch {
		case status == domain.CreditStatusFinalized &&
			(creditType == domain.CreditTypeFreeze || creditType == domain.CreditTypeUnfreeze):
			frozen.Add(frozen, amount)
		case status == domain.CreditStatusFinalized:
			spendable.Add(spendable, amount)
		case creditType == domain.CreditTypeWithdraw &&
			(status == domain.CreditStatusPending || status == domain.CreditStatusConfirmed):
			spendable.Add(spendable, amount)
		}
	}
	return spendable.Sub(spendable, frozen), nil
}

// RollbackRange deletes the credits and tracked blocks of a reorged range in
// one transaction, so a crash mid-rollback cannot leave credits without their
// blocks or vice versa.
func (db *DB) RollbackRange(ctx context.Context, chainID domain.ChainID, from, to uint64) (int64, error) {
	uow, err := db.NewUnitOfWork(ctx)
	if err != nil {
		return 0, err
	}
	defer uow.Rollback()

	n, err := uow.DeleteCreditsByBlockRange(ctx, chainID, from, to)
	if err != nil {
		return 0, err
	}
	if err := uow.DeleteBlocksRange(ctx, chainID, from, to); err != nil {
		return 0, err
	}
	if err := uow.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

// DeleteCreditsByBlockRange deletes credits in [from, to] within the
// transaction. Used only by the reorg rollback.
func (u *UnitOfWork) DeleteCreditsByBlockRange(ctx context.Context, chainID domain.ChainID, from, to uint64) (int64, error) {
	query := `DELETE FROM credits WHERE chain_id = $1 AND block_number BETWEEN $2 AND $3`
	res, err := u.tx.ExecContext(ctx, query, string(chainID), from, to)
	if err != nil {
		return 0, fmt.Errorf("failed to delete credits: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeleteBlocksRange deletes tracked blocks in [from, to] within the transaction.
func (u *UnitOfWork) DeleteBlocksRange(ctx context.Context, chainID domain.ChainID, from, to uint64) error {
	query := `DELETE FROM blocks WHERE chain_id = $1 AND block_number BETWEEN $2 AND $3`
	_, err := u.tx.ExecContext(ctx, query, string(chainID), from, to)
	return err
}
