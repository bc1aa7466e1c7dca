package storage

import (
	"context"
	"errors"
	"time"

	"github.com/vietddude/custody/internal/core/domain"
)

var (
	// ErrNotFound is returned when a requested row doesn't exist.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicateReference is returned when a credit with the same
	// (reference_id, reference_type, event_index) already exists. Callers
	// must treat it as a successful no-op, not a failure.
	ErrDuplicateReference = errors.New("duplicate credit reference")

	// ErrNonceConflict is returned when a nonce compare-and-swap loses a
	// race. The caller must reserve a fresh nonce, never reuse the stale one.
	ErrNonceConflict = errors.New("nonce compare-and-swap conflict")

	// ErrOperationReplayed is returned when an operation_id has already been
	// recorded.
	ErrOperationReplayed = errors.New("operation already recorded")

	// ErrStatusConflict is returned when a guarded status update matched no
	// row, meaning the record moved concurrently.
	ErrStatusConflict = errors.New("status changed concurrently")

	// ErrInsufficientFunds is returned when a transactional hold cannot be
	// covered by the spendable balance read under the same transaction.
	ErrInsufficientFunds = errors.New("insufficient spendable funds")
)

// CreditRepository stores append-only ledger entries
type CreditRepository interface {
	// Append inserts a credit; duplicate references return ErrDuplicateReference
	Append(ctx context.Context, credit *domain.Credit) error

	// GetByReference retrieves a credit by its idempotency tuple
	GetByReference(ctx context.Context, referenceID, referenceType string, eventIndex int) (*domain.Credit, error)

	// UpdateStatus moves a credit from one status to another; returns
	// ErrStatusConflict if the row no longer holds the expected status
	UpdateStatus(ctx context.Context, id uint64, from, to domain.CreditStatus) error

	// UpdateStatusByTxHash moves all credits referencing a tx hash
	UpdateStatusByTxHash(ctx context.Context, txHash string, from, to domain.CreditStatus) (int64, error)

	// ListByUserToken retrieves credits for a user, optionally one token ("" = all)
	ListByUserToken(ctx context.Context, userID, tokenID string) ([]*domain.Credit, error)

	// ListByReferenceID retrieves all credits sharing a reference id
	ListByReferenceID(ctx context.Context, referenceID string) ([]*domain.Credit, error)

	// ListByBlockRange retrieves credits with block_number in [from, to]
	ListByBlockRange(ctx context.Context, chainID domain.ChainID, from, to uint64) ([]*domain.Credit, error)

	// DeleteByBlockRange deletes credits with block_number in [from, to] (reorg rollback)
	DeleteByBlockRange(ctx context.Context, chainID domain.ChainID, from, to uint64) (int64, error)

	// CountWithdrawalsSince counts withdraw-type credits for a user after a cutoff
	CountWithdrawalsSince(ctx context.Context, userID string, since time.Time) (int, error)

	// HasDestination reports whether the user has ever paid the address before
	HasDestination(ctx context.Context, userID, address string) (bool, error)
}

// WithdrawRepository stores withdrawal state machine records
type WithdrawRepository interface {
	Create(ctx context.Context, w *domain.Withdraw) error

	GetByID(ctx context.Context, id string) (*domain.Withdraw, error)

	GetByOperationID(ctx context.Context, operationID string) (*domain.Withdraw, error)

	// UpdateStatus moves a withdraw between states with an optimistic guard on
	// the current status; returns ErrStatusConflict on a lost race
	UpdateStatus(ctx context.Context, id string, from, to domain.WithdrawStatus) error

	// SetSigningInfo records the assigned wallet, nonce and fee parameters
	SetSigningInfo(ctx context.Context, id, fromAddress string, nonce uint64, gasPrice string, gasLimit uint64, fee string) error

	// SetBroadcast records the tx hash after a successful broadcast
	SetBroadcast(ctx context.Context, id, txHash string) error

	// SetFailure records a terminal failure message
	SetFailure(ctx context.Context, id, errorMessage string) error

	// ListByStatus retrieves withdrawals in a given state
	ListByStatus(ctx context.Context, status domain.WithdrawStatus) ([]*domain.Withdraw, error)

	// ListStaleManualReviews retrieves manual_reviewing withdrawals older than the cutoff
	ListStaleManualReviews(ctx context.Context, before time.Time) ([]*domain.Withdraw, error)
}

// SigningWalletRepository stores custodial signing addresses and their nonces
type SigningWalletRepository interface {
	Create(ctx context.Context, w *domain.SigningWallet) error

	GetByAddress(ctx context.Context, address string, chainID domain.ChainID) (*domain.SigningWallet, error)

	// LeastRecentlyUsed returns the active wallet with the oldest last_used_at
	LeastRecentlyUsed(ctx context.Context, chainID domain.ChainID, walletType domain.WalletType) (*domain.SigningWallet, error)

	// Touch bumps last_used_at for LRU rotation
	Touch(ctx context.Context, address string, chainID domain.ChainID) error

	// SetNonce force-overwrites the stored nonce (drift recovery, lazy init)
	SetNonce(ctx context.Context, address string, chainID domain.ChainID, nonce uint64) error

	// CompareAndSwapNonce advances the nonce to next only if the stored value
	// still equals expected; returns ErrNonceConflict otherwise. This must be
	// a single atomic statement at the storage layer.
	CompareAndSwapNonce(ctx context.Context, address string, chainID domain.ChainID, expected, next uint64) error
}

// OperationRepository stores replay-protection tokens
type OperationRepository interface {
	// Record inserts the record; returns ErrOperationReplayed if the
	// operation_id was already used
	Record(ctx context.Context, rec *domain.OperationRecord) error

	Get(ctx context.Context, operationID string) (*domain.OperationRecord, error)

	// PurgeExpired deletes records whose expiry passed before the cutoff
	PurgeExpired(ctx context.Context, before time.Time) (int64, error)
}

// RiskAssessmentRepository stores pending manual-review verdicts
type RiskAssessmentRepository interface {
	Save(ctx context.Context, a *domain.RiskAssessment) error

	GetByOperationID(ctx context.Context, operationID string) (*domain.RiskAssessment, error)

	Delete(ctx context.Context, operationID string) error

	PurgeExpired(ctx context.Context, before time.Time) (int64, error)
}

// AuditRepository stores the immutable audit trail
type AuditRepository interface {
	Append(ctx context.Context, entry *domain.AuditEntry) error
}

// BlockRepository stores tracked chain blocks for the reconciler
type BlockRepository interface {
	Save(ctx context.Context, block *domain.Block) error

	GetByNumber(ctx context.Context, chainID domain.ChainID, blockNumber uint64) (*domain.Block, error)

	GetLatest(ctx context.Context, chainID domain.ChainID) (*domain.Block, error)

	UpdateStatus(ctx context.Context, chainID domain.ChainID, blockNumber uint64, status domain.BlockStatus) error

	// DeleteRange deletes blocks in [from, to] (reorg rollback)
	DeleteRange(ctx context.Context, chainID domain.ChainID, from, to uint64) error
}
