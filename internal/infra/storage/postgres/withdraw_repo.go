package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/vietddude/custody/internal/core/domain"
	"github.com/vietddude/custody/internal/infra/storage"
)

// WithdrawRepo implements storage.WithdrawRepository using PostgreSQL.
type WithdrawRepo struct {
	db *DB
}

// NewWithdrawRepo creates a new PostgreSQL withdraw repository.
func NewWithdrawRepo(db *DB) *WithdrawRepo {
	return &WithdrawRepo{db: db}
}

func insertWithdraw(ctx context.Context, ext sqlx.ExtContext, w *domain.Withdraw) error {
	query := `
		INSERT INTO withdraws (
			id, user_id, operation_id, to_address, token_id, amount, fee,
			chain_id, chain_type, from_address, tx_hash, gas_price, gas_limit,
			nonce, status, business_signature, risk_signature, error_message,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, NOW(), NOW())
	`
	_, err := ext.ExecContext(ctx, query,
		w.ID, w.UserID, w.OperationID, w.ToAddress, w.TokenID, w.Amount, w.Fee,
		string(w.ChainID), string(w.ChainType), w.FromAddress, w.TxHash, w.GasPrice,
		w.GasLimit, w.Nonce, string(w.Status), w.BusinessSignature, w.RiskSignature,
		w.ErrorMessage,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrOperationReplayed
		}
		return fmt.Errorf("failed to insert withdraw: %w", err)
	}
	return nil
}

// Create inserts a withdraw record.
func (r *WithdrawRepo) Create(ctx context.Context, w *domain.Withdraw) error {
	return insertWithdraw(ctx, r.db, w)
}

type withdrawRow struct {
	ID                string    `db:"id"`
	UserID            string    `db:"user_id"`
	OperationID       string    `db:"operation_id"`
	ToAddress         string    `db:"to_address"`
	TokenID           string    `db:"token_id"`
	Amount            string    `db:"amount"`
	Fee               string    `db:"fee"`
	ChainID           string    `db:"chain_id"`
	ChainType         string    `db:"chain_type"`
	FromAddress       string    `db:"from_address"`
	TxHash            string    `db:"tx_hash"`
	GasPrice          string    `db:"gas_price"`
	GasLimit          uint64    `db:"gas_limit"`
	Nonce             uint64    `db:"nonce"`
	Status            string    `db:"status"`
	BusinessSignature string    `db:"business_signature"`
	RiskSignature     string    `db:"risk_signature"`
	ErrorMessage      string    `db:"error_message"`
	CreatedAt         time.Time `db:"created_at"`
	UpdatedAt         time.Time `db:"updated_at"`
}

func (w *withdrawRow) toDomain() *domain.Withdraw {
	return &domain.Withdraw{
		ID:                w.ID,
		UserID:            w.UserID,
		OperationID:       w.OperationID,
		ToAddress:         w.ToAddress,
		TokenID:           w.TokenID,
		Amount:            w.Amount,
		Fee:               w.Fee,
		ChainID:           domain.ChainID(w.ChainID),
		ChainType:         domain.ChainType(w.ChainType),
		FromAddress:       w.FromAddress,
		TxHash:            w.TxHash,
		GasPrice:          w.GasPrice,
		GasLimit:          w.GasLimit,
		Nonce:             w.Nonce,
		Status:            domain.WithdrawStatus(w.Status),
		BusinessSignature: w.BusinessSignature,
		RiskSignature:     w.RiskSignature,
		ErrorMessage:      w.ErrorMessage,
		CreatedAt:         w.CreatedAt,
		UpdatedAt:         w.UpdatedAt,
	}
}

const withdrawColumns = `
	id, user_id, operation_id, to_address, token_id, amount, fee,
	chain_id, chain_type, from_address, tx_hash, gas_price, gas_limit,
	nonce, status, business_signature, risk_signature, error_message,
	created_at, updated_at
`

// GetByID retrieves a withdraw by id.
func (r *WithdrawRepo) GetByID(ctx context.Context, id string) (*domain.Withdraw, error) {
	query := `SELECT ` + withdrawColumns + ` FROM withdraws WHERE id = $1`

	var row withdrawRow
	err := r.db.GetContext(ctx, &row, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get withdraw: %w", err)
	}
	return row.toDomain(), nil
}

// GetByOperationID retrieves a withdraw by its operation id.
func (r *WithdrawRepo) GetByOperationID(ctx context.Context, operationID string) (*domain.Withdraw, error) {
	query := `SELECT ` + withdrawColumns + ` FROM withdraws WHERE operation_id = $1`

	var row withdrawRow
	err := r.db.GetContext(ctx, &row, query, operationID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get withdraw by operation: %w", err)
	}
	return row.toDomain(), nil
}

// UpdateStatus moves a withdraw between states with an optimistic guard.
func (r *WithdrawRepo) UpdateStatus(ctx context.Context, id string, from, to domain.WithdrawStatus) error {
	query := `UPDATE withdraws SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3`
	res, err := r.db.ExecContext(ctx, query, string(to), id, string(from))
	if err != nil {
		return fmt.Errorf("failed to update withdraw status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return storage.ErrStatusConflict
	}
	return nil
}

// SetSigningInfo records the assigned wallet, nonce and fee parameters.
func (r *WithdrawRepo) SetSigningInfo(ctx context.Context, id, fromAddress string, nonce uint64, gasPrice string, gasLimit uint64, fee string) error {
	query := `
		UPDATE withdraws
		SET from_address = $1, nonce = $2, gas_price = $3, gas_limit = $4, fee = $5, updated_at = NOW()
		WHERE id = $6
	`
	_, err := r.db.ExecContext(ctx, query, fromAddress, nonce, gasPrice, gasLimit, fee, id)
	if err != nil {
		return fmt.Errorf("failed to set signing info: %w", err)
	}
	return nil
}

// SetBroadcast records the tx hash after a successful broadcast.
func (r *WithdrawRepo) SetBroadcast(ctx context.Context, id, txHash string) error {
	query := `UPDATE withdraws SET tx_hash = $1, updated_at = NOW() WHERE id = $2`
	_, err := r.db.ExecContext(ctx, query, txHash, id)
	if err != nil {
		return fmt.Errorf("failed to set broadcast info: %w", err)
	}
	return nil
}

// SetFailure records a terminal failure message.
func (r *WithdrawRepo) SetFailure(ctx context.Context, id, errorMessage string) error {
	query := `UPDATE withdraws SET error_message = $1, updated_at = NOW() WHERE id = $2`
	_, err := r.db.ExecContext(ctx, query, errorMessage, id)
	if err != nil {
		return fmt.Errorf("failed to set failure message: %w", err)
	}
	return nil
}

// ListByStatus retrieves withdrawals in a given state.
func (r *WithdrawRepo) ListByStatus(ctx context.Context, status domain.WithdrawStatus) ([]*domain.Withdraw, error) {
	query := `SELECT ` + withdrawColumns + ` FROM withdraws WHERE status = $1 ORDER BY created_at`

	var rows []withdrawRow
	if err := r.db.SelectContext(ctx, &rows, query, string(status)); err != nil {
		return nil, fmt.Errorf("failed to list withdraws: %w", err)
	}

	withdraws := make([]*domain.Withdraw, 0, len(rows))
	for i := range rows {
		withdraws = append(withdraws, rows[i].toDomain())
	}
	return withdraws, nil
}

// ListStaleManualReviews retrieves manual_reviewing withdrawals older than the cutoff.
func (r *WithdrawRepo) ListStaleManualReviews(ctx context.Context, before time.Time) ([]*domain.Withdraw, error) {
	query := `
		SELECT ` + withdrawColumns + `
		FROM withdraws
		WHERE status = 'manual_reviewing' AND updated_at < $1
		ORDER BY updated_at
	`

	var rows []withdrawRow
	if err := r.db.SelectContext(ctx, &rows, query, before); err != nil {
		return nil, fmt.Errorf("failed to list stale manual reviews: %w", err)
	}

	withdraws := make([]*domain.Withdraw, 0, len(rows))
	for i := range rows {
		withdraws = append(withdraws, rows[i].toDomain())
	}
	return withdraws, nil
}
