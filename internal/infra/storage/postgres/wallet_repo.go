package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/vietddude/custody/internal/core/domain"
	"github.com/vietddude/custody/internal/infra/storage"
)

// WalletRepo implements storage.SigningWalletRepository using PostgreSQL.
type WalletRepo struct {
	db *DB
}

// NewWalletRepo creates a new PostgreSQL signing wallet repository.
func NewWalletRepo(db *DB) *WalletRepo {
	return &WalletRepo{db: db}
}

type walletRow struct {
	ID         uint64    `db:"id"`
	Address    string    `db:"address"`
	Device     string    `db:"device"`
	Path       string    `db:"path"`
	ChainID    string    `db:"chain_id"`
	ChainType  string    `db:"chain_type"`
	WalletType  string    `db:"wallet_type"`
	Nonce       uint64    `db:"nonce"`
	NonceSynced bool      `db:"nonce_synced"`
	IsActive    bool      `db:"is_active"`
	LastUsedAt time.Time `db:"last_used_at"`
}

func (w *walletRow) toDomain() *domain.SigningWallet {
	return &domain.SigningWallet{
		ID:          w.ID,
		Address:     w.Address,
		Device:      w.Device,
		Path:        w.Path,
		ChainID:     domain.ChainID(w.ChainID),
		ChainType:   domain.ChainType(w.ChainType),
		WalletType:  domain.WalletType(w.WalletType),
		Nonce:       w.Nonce,
		NonceSynced: w.NonceSynced,
		IsActive:    w.IsActive,
		LastUsedAt:  w.LastUsedAt,
	}
}

const walletColumns = `
	id, address, device, path, chain_id, chain_type, wallet_type, nonce, nonce_synced, is_active, last_used_at
`

// Create inserts a signing wallet.
func (r *WalletRepo) Create(ctx context.Context, w *domain.SigningWallet) error {
	query := `
		INSERT INTO signing_wallets (
			address, device, path, chain_id, chain_type, wallet_type, nonce, nonce_synced, is_active, last_used_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		RETURNING id
	`
	row := r.db.QueryRowxContext(ctx, query,
		w.Address, w.Device, w.Path, string(w.ChainID), string(w.ChainType),
		string(w.WalletType), w.Nonce, w.NonceSynced, w.IsActive,
	)
	if err := row.Scan(&w.ID); err != nil {
		return fmt.Errorf("failed to insert signing wallet: %w", err)
	}
	return nil
}

// GetByAddress retrieves a wallet by (address, chain).
func (r *WalletRepo) GetByAddress(ctx context.Context, address string, chainID domain.ChainID) (*domain.SigningWallet, error) {
	query := `SELECT ` + walletColumns + ` FROM signing_wallets WHERE address = $1 AND chain_id = $2`

	var row walletRow
	err := r.db.GetContext(ctx, &row, query, address, string(chainID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get signing wallet: %w", err)
	}
	return row.toDomain(), nil
}

// LeastRecentlyUsed returns the active wallet with the oldest last_used_at.
func (r *WalletRepo) LeastRecentlyUsed(ctx context.Context, chainID domain.ChainID, walletType domain.WalletType) (*domain.SigningWallet, error) {
	query := `
		SELECT ` + walletColumns + `
		FROM signing_wallets
		WHERE chain_id = $1 AND wallet_type = $2 AND is_active = TRUE
		ORDER BY last_used_at ASC
		LIMIT 1
	`

	var row walletRow
	err := r.db.GetContext(ctx, &row, query, string(chainID), string(walletType))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select wallet: %w", err)
	}
	return row.toDomain(), nil
}

// Touch bumps last_used_at for LRU rotation.
func (r *WalletRepo) Touch(ctx context.Context, address string, chainID domain.ChainID) error {
	query := `UPDATE signing_wallets SET last_used_at = NOW() WHERE address = $1 AND chain_id = $2`
	_, err := r.db.ExecContext(ctx, query, address, string(chainID))
	return err
}

// SetNonce force-overwrites the stored nonce.
func (r *WalletRepo) SetNonce(ctx context.Context, address string, chainID domain.ChainID, nonce uint64) error {
	query := `UPDATE signing_wallets SET nonce = $1, nonce_synced = TRUE WHERE address = $2 AND chain_id = $3`
	res, err := r.db.ExecContext(ctx, query, nonce, address, string(chainID))
	if err != nil {
		return fmt.Errorf("failed to set nonce: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// CompareAndSwapNonce advances the nonce only if the stored value still equals
// expected. A single guarded UPDATE keeps this atomic at the storage layer;
// exactly one concurrent caller can win per nonce value.
func (r *WalletRepo) CompareAndSwapNonce(ctx context.Context, address string, chainID domain.ChainID, expected, next uint64) error {
	query := `
		UPDATE signing_wallets SET nonce = $1
		WHERE address = $2 AND chain_id = $3 AND nonce = $4
	`
	res, err := r.db.ExecContext(ctx, query, next, address, string(chainID), expected)
	if err != nil {
		return fmt.Errorf("failed to swap nonce: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return storage.ErrNonceConflict
	}
	return nil
}
