package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"

	"github.com/vietddude/custody/internal/core/domain"
	"github.com/vietddude/custody/internal/infra/storage"
)

// CreditRepo implements storage.CreditRepository using PostgreSQL.
type CreditRepo struct {
	db *DB
}

// NewCreditRepo creates a new PostgreSQL credit repository.
func NewCreditRepo(db *DB) *CreditRepo {
	return &CreditRepo{db: db}
}

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func insertCredit(ctx context.Context, ext sqlx.ExtContext, c *domain.Credit) error {
	metadata, err := json.Marshal(c.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		INSERT INTO credits (
			user_id, address, token_id, amount, credit_type, business_type,
			reference_id, reference_type, event_index, chain_id, chain_type,
			status, block_number, tx_hash, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, NOW())
		RETURNING id
	`

	row := ext.QueryRowxContext(ctx, query,
		c.UserID, c.Address, c.TokenID, c.Amount, string(c.CreditType), c.BusinessType,
		c.ReferenceID, c.ReferenceType, c.EventIndex, string(c.ChainID), string(c.ChainType),
		string(c.Status), c.BlockNumber, c.TxHash, metadata,
	)
	if err := row.Scan(&c.ID); err != nil {
		if isUniqueViolation(err) {
			return storage.ErrDuplicateReference
		}
		return fmt.Errorf("failed to insert credit: %w", err)
	}
	return nil
}

// Append inserts a credit. The unique index on (reference_id, reference_type,
// event_index) is what guarantees at-most-once application of any event.
func (r *CreditRepo) Append(ctx context.Context, c *domain.Credit) error {
	return insertCredit(ctx, r.db, c)
}

type creditRow struct {
	ID            uint64    `db:"id"`
	UserID        string    `db:"user_id"`
	Address       string    `db:"address"`
	TokenID       string    `db:"token_id"`
	Amount        string    `db:"amount"`
	CreditType    string    `db:"credit_type"`
	BusinessType  string    `db:"business_type"`
	ReferenceID   string    `db:"reference_id"`
	ReferenceType string    `db:"reference_type"`
	EventIndex    int       `db:"event_index"`
	ChainID       string    `db:"chain_id"`
	ChainType     string    `db:"chain_type"`
	Status        string    `db:"status"`
	BlockNumber   uint64    `db:"block_number"`
	TxHash        string    `db:"tx_hash"`
	Metadata      []byte    `db:"metadata"`
	CreatedAt     time.Time `db:"created_at"`
}

func (c *creditRow) toDomain() *domain.Credit {
	credit := &domain.Credit{
		ID:            c.ID,
		UserID:        c.UserID,
		Address:       c.Address,
		TokenID:       c.TokenID,
		Amount:        c.Amount,
		CreditType:    domain.CreditType(c.CreditType),
		BusinessType:  c.BusinessType,
		ReferenceID:   c.ReferenceID,
		ReferenceType: c.ReferenceType,
		EventIndex:    c.EventIndex,
		ChainID:       domain.ChainID(c.ChainID),
		ChainType:     domain.ChainType(c.ChainType),
		Status:        domain.CreditStatus(c.Status),
		BlockNumber:   c.BlockNumber,
		TxHash:        c.TxHash,
		CreatedAt:     c.CreatedAt,
	}
	if len(c.Metadata) > 0 {
		_ = json.Unmarshal(c.Metadata, &credit.Metadata)
	}
	return credit
}

const creditColumns = `
	id, user_id, address, token_id, amount, credit_type, business_type,
	reference_id, reference_type, event_index, chain_id, chain_type,
	status, block_number, tx_hash, metadata, created_at
`

// GetByReference retrieves a credit by its idempotency tuple.
func (r *CreditRepo) GetByReference(ctx context.Context, referenceID, referenceType string, eventIndex int) (*domain.Credit, error) {
	query := `
		SELECT ` + creditColumns + `
		FROM credits
		WHERE reference_id = $1 AND reference_type = $2 AND event_index = $3
	`

	var row creditRow
	err := r.db.GetContext(ctx, &row, query, referenceID, referenceType, eventIndex)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credit: %w", err)
	}
	return row.toDomain(), nil
}

// UpdateStatus moves a credit from one status to another. The WHERE guard on
// the current status makes the transition safe under concurrent updates.
func (r *CreditRepo) UpdateStatus(ctx context.Context, id uint64, from, to domain.CreditStatus) error {
	query := `UPDATE credits SET status = $1 WHERE id = $2 AND status = $3`
	res, err := r.db.ExecContext(ctx, query, string(to), id, string(from))
	if err != nil {
		return fmt.Errorf("failed to update credit status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return storage.ErrStatusConflict
	}
	return nil
}

// UpdateStatusByTxHash moves all credits referencing a tx hash.
func (r *CreditRepo) UpdateStatusByTxHash(ctx context.Context, txHash string, from, to domain.CreditStatus) (int64, error) {
	query := `UPDATE credits SET status = $1 WHERE tx_hash = $2 AND status = $3`
	res, err := r.db.ExecContext(ctx, query, string(to), txHash, string(from))
	if err != nil {
		return 0, fmt.Errorf("failed to update credit status by tx hash: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ListByUserToken retrieves credits for a user, optionally filtered to one token.
func (r *CreditRepo) ListByUserToken(ctx context.Context, userID, tokenID string) ([]*domain.Credit, error) {
	query := `
		SELECT ` + creditColumns + `
		FROM credits
		WHERE user_id = $1 AND ($2 = '' OR token_id = $2)
		ORDER BY id
	`

	var rows []creditRow
	if err := r.db.SelectContext(ctx, &rows, query, userID, tokenID); err != nil {
		return nil, fmt.Errorf("failed to list credits: %w", err)
	}

	credits := make([]*domain.Credit, 0, len(rows))
	for i := range rows {
		credits = append(credits, rows[i].toDomain())
	}
	return credits, nil
}

// ListByReferenceID retrieves all credits sharing a reference id.
func (r *CreditRepo) ListByReferenceID(ctx context.Context, referenceID string) ([]*domain.Credit, error) {
	query := `
		SELECT ` + creditColumns + `
		FROM credits
		WHERE reference_id = $1
		ORDER BY event_index
	`

	var rows []creditRow
	if err := r.db.SelectContext(ctx, &rows, query, referenceID); err != nil {
		return nil, fmt.Errorf("failed to list credits by reference: %w", err)
	}

	credits := make([]*domain.Credit, 0, len(rows))
	for i := range rows {
		credits = append(credits, rows[i].toDomain())
	}
	return credits, nil
}

// ListByBlockRange retrieves credits with block_number in [from, to].
func (r *CreditRepo) ListByBlockRange(ctx context.Context, chainID domain.ChainID, from, to uint64) ([]*domain.Credit, error) {
	query := `
		SELECT ` + creditColumns + `
		FROM credits
		WHERE chain_id = $1 AND block_number BETWEEN $2 AND $3
	`

	var rows []creditRow
	if err := r.db.SelectContext(ctx, &rows, query, string(chainID), from, to); err != nil {
		return nil, fmt.Errorf("failed to list credits by block range: %w", err)
	}

	credits := make([]*domain.Credit, 0, len(rows))
	for i := range rows {
		credits = append(credits, rows[i].toDomain())
	}
	return credits, nil
}

// DeleteByBlockRange deletes credits in a block range (reorg rollback only).
func (r *CreditRepo) DeleteByBlockRange(ctx context.Context, chainID domain.ChainID, from, to uint64) (int64, error) {
	query := `DELETE FROM credits WHERE chain_id = $1 AND block_number BETWEEN $2 AND $3`
	res, err := r.db.ExecContext(ctx, query, string(chainID), from, to)
	if err != nil {
		return 0, fmt.Errorf("failed to delete credits by block range: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CountWithdrawalsSince counts withdraw-type credits for a user after a cutoff.
func (r *CreditRepo) CountWithdrawalsSince(ctx context.Context, userID string, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*) FROM credits
		WHERE user_id = $1 AND credit_type = 'withdraw' AND created_at >= $2
	`

	var count int
	if err := r.db.GetContext(ctx, &count, query, userID, since); err != nil {
		return 0, fmt.Errorf("failed to count withdrawals: %w", err)
	}
	return count, nil
}

// HasDestination reports whether the user has ever paid the address before.
func (r *CreditRepo) HasDestination(ctx context.Context, userID, address string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM credits WHERE user_id = $1 AND address = $2
		)
	`

	var exists bool
	if err := r.db.GetContext(ctx, &exists, query, userID, address); err != nil {
		return false, fmt.Errorf("failed to check destination: %w", err)
	}
	return exists, nil
}
