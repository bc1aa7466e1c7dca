// Package withdrawal drives the withdrawal state machine:
//
//	user_withdraw_request -> risk_reviewing -> [manual_reviewing] -> signing
//	  -> pending -> confirmed -> safe -> finalized
//
// with failure exits to failed and rejected. Every state lives in the
// database, never in process memory, so any process can resume a suspended
// withdrawal after a restart or pick up a manual-review callback that arrives
// hours later on a different instance.
package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/custody/internal/core/domain"
	"github.com/vietddude/custody/internal/infra/chain"
	"github.com/vietddude/custody/internal/infra/chain/types"
	"github.com/vietddude/custody/internal/infra/storage"
	"github.com/vietddude/custody/internal/ledger"
	"github.com/vietddude/custody/internal/metrics"
	"github.com/vietddude/custody/internal/nonce"
	"github.com/vietddude/custody/internal/risk"
)

var (
	// ErrUnsupportedChain is returned when no handler exists for the chain.
	ErrUnsupportedChain = errors.New("unsupported chain")

	// ErrInsufficientBalance is returned when the user cannot cover the amount.
	ErrInsufficientBalance = errors.New("insufficient spendable balance")

	// ErrReviewNotFound is returned when a callback names an unknown operation.
	ErrReviewNotFound = errors.New("no withdrawal awaiting review for operation")

	// ErrReviewState is returned when a callback arrives for a withdrawal that
	// is not suspended in manual review.
	ErrReviewState = errors.New("withdrawal is not in manual review")
)

// TxStore runs the multi-statement mutations that must be all-or-nothing.
type TxStore interface {
	// CreateWithDebit persists the withdraw row and its debit credit together,
	// checking the spendable balance under the same transaction so two
	// concurrent requests cannot both stage a hold against the same funds.
	// Returns storage.ErrInsufficientFunds when the balance cannot cover it.
	CreateWithDebit(ctx context.Context, w *domain.Withdraw, debit *domain.Credit) error
}

// Request is a validated withdrawal submission handed over by the gateway.
type Request struct {
	OperationID       string
	UserID            string
	ToAddress         string
	TokenID           string
	Amount            string
	ChainID           domain.ChainID
	BusinessSignature string
	RiskSignature     string
}

// Config holds orchestrator tunables.
type Config struct {
	// MaxNonceAttempts bounds the reserve/sign/broadcast loop when nonce
	// races or stale-nonce broadcasts force a re-reserve.
	MaxNonceAttempts int `yaml:"max_nonce_attempts"`
}

// Orchestrator owns the withdrawal pipeline from accepted request to
// broadcast transaction. Confirmation depth is promoted elsewhere by the
// reconciler.
type Orchestrator struct {
	store       TxStore
	withdraws   storage.WithdrawRepository
	credits     storage.CreditRepository
	assessments storage.RiskAssessmentRepository
	ledger      *ledger.Store
	engine      *risk.Engine
	allocator   *nonce.Allocator
	signer      Signer
	feeOracle   FeeOracle
	chains      map[domain.ChainID]chain.Handler
	maxAttempts int
	log         *slog.Logger
}

// NewOrchestrator creates a withdrawal orchestrator.
func NewOrchestrator(
	store TxStore,
	withdraws storage.WithdrawRepository,
	credits storage.CreditRepository,
	assessments storage.RiskAssessmentRepository,
	led *ledger.Store,
	engine *risk.Engine,
	allocator *nonce.Allocator,
	signer Signer,
	feeOracle FeeOracle,
	chains map[domain.ChainID]chain.Handler,
	cfg Config,
	log *slog.Logger,
) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	maxAttempts := cfg.MaxNonceAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Orchestrator{
		store:       store,
		withdraws:   withdraws,
		credits:     credits,
		assessments: assessments,
		ledger:      led,
		engine:      engine,
		allocator:   allocator,
		signer:      signer,
		feeOracle:   feeOracle,
		chains:      chains,
		maxAttempts: maxAttempts,
		log:         log,
	}
}

// Submit accepts a withdrawal, debits the ledger, runs risk scoring and, on
// auto-approve, drives it through signing and broadcast. The returned withdraw
// reflects the state the pipeline reached; the assessment explains why.
func (o *Orchestrator) Submit(ctx context.Context, req *Request) (*domain.Withdraw, *domain.RiskAssessment, error) {
	amount, err := ledger.ParseAmount(req.Amount)
	if err != nil {
		return nil, nil, err
	}
	if amount.Sign() <= 0 {
		return nil, nil, fmt.Errorf("%w: amount must be positive", ledger.ErrInvalidAmount)
	}

	handler, ok := o.chains[req.ChainID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnsupportedChain, req.ChainID)
	}

	w := &domain.Withdraw{
		ID:                uuid.NewString(),
		UserID:            req.UserID,
		OperationID:       req.OperationID,
		ToAddress:         req.ToAddress,
		TokenID:           req.TokenID,
		Amount:            req.Amount,
		ChainID:           req.ChainID,
		ChainType:         handler.ChainType(),
		Status:            domain.WithdrawStatusRequested,
		BusinessSignature: req.BusinessSignature,
		RiskSignature:     req.RiskSignature,
	}
	debit := &domain.Credit{
		UserID:        req.UserID,
		Address:       req.ToAddress,
		TokenID:       req.TokenID,
		Amount:        "-" + req.Amount,
		CreditType:    domain.CreditTypeWithdraw,
		BusinessType:  "withdraw",
		ReferenceID:   w.ID,
		ReferenceType: "withdraw",
		EventIndex:    0,
		ChainID:       req.ChainID,
		ChainType:     handler.ChainType(),
		Status:        domain.CreditStatusPending,
	}

	// Funds are held the instant the request is durable. The balance check
	// runs inside the same transaction as the insert, so two concurrent
	// requests cannot both read the same spendable balance and double-hold.
	if err := o.store.CreateWithDebit(ctx, w, debit); err != nil {
		if errors.Is(err, storage.ErrInsufficientFunds) {
			return nil, nil, fmt.Errorf("%w: %v", ErrInsufficientBalance, err)
		}
		return nil, nil, err
	}
	o.log.Info("withdrawal accepted",
		"withdraw_id", w.ID, "operation_id", w.OperationID,
		"user_id", w.UserID, "amount", w.Amount, "chain", w.ChainID)

	if err := o.transition(ctx, w, domain.WithdrawStatusRiskReviewing); err != nil {
		return w, nil, err
	}

	assessment := o.engine.Evaluate(ctx, &risk.Request{
		OperationID: req.OperationID,
		UserID:      req.UserID,
		ToAddress:   req.ToAddress,
		TokenID:     req.TokenID,
		Amount:      req.Amount,
		ChainID:     req.ChainID,
	})

	switch assessment.Decision {
	case domain.RiskDecisionDeny:
		if err := o.reject(ctx, w, strings.Join(assessment.Reasons, "; ")); err != nil {
			return w, assessment, err
		}
		return w, assessment, nil

	case domain.RiskDecisionManualReview:
		if err := o.assessments.Save(ctx, assessment); err != nil {
			return w, assessment, fmt.Errorf("failed to save assessment: %w", err)
		}
		if err := o.transition(ctx, w, domain.WithdrawStatusManualReviewing); err != nil {
			return w, assessment, err
		}
		o.log.Info("withdrawal suspended for manual review",
			"withdraw_id", w.ID, "operation_id", w.OperationID,
			"risk_score", assessment.RiskScore, "required_approvals", assessment.RequiredApprovals)
		return w, assessment, nil

	default:
		if err := o.transition(ctx, w, domain.WithdrawStatusSigning); err != nil {
			return w, assessment, err
		}
		if err := o.executeSigning(ctx, w); err != nil {
			return w, assessment, err
		}
		return w, assessment, nil
	}
}

// HandleReviewCallback resumes a withdrawal suspended in manual_reviewing.
func (o *Orchestrator) HandleReviewCallback(ctx context.Context, operationID string, approved bool, reviewer string) (*domain.Withdraw, error) {
	w, err := o.withdraws.GetByOperationID(ctx, operationID)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, fmt.Errorf("%w: %s", ErrReviewNotFound, operationID)
	}
	if w.Status != domain.WithdrawStatusManualReviewing {
		return w, fmt.Errorf("%w: %s is %s", ErrReviewState, w.ID, w.Status)
	}

	if !approved {
		o.log.Info("manual review rejected withdrawal",
			"withdraw_id", w.ID, "operation_id", operationID, "reviewer", reviewer)
		if err := o.reject(ctx, w, "manual review rejected by "+reviewer); err != nil {
			return w, err
		}
		return w, nil
	}

	o.log.Info("manual review approved withdrawal",
		"withdraw_id", w.ID, "operation_id", operationID, "reviewer", reviewer)
	if err := o.transition(ctx, w, domain.WithdrawStatusSigning); err != nil {
		return w, err
	}
	if err := o.assessments.Delete(ctx, operationID); err != nil {
		o.log.Warn("failed to delete settled assessment", "operation_id", operationID, "error", err)
	}
	if err := o.executeSigning(ctx, w); err != nil {
		return w, err
	}
	return w, nil
}

// ExpireStaleReviews rejects manual reviews whose callback never arrived, so
// funds are not frozen indefinitely.
func (o *Orchestrator) ExpireStaleReviews(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	stale, err := o.withdraws.ListStaleManualReviews(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, w := range stale {
		if err := o.reject(ctx, w, "manual review expired without callback"); err != nil {
			o.log.Error("failed to expire stale review", "withdraw_id", w.ID, "error", err)
			continue
		}
		o.log.Warn("expired stale manual review", "withdraw_id", w.ID, "operation_id", w.OperationID)
		expired++
	}
	return expired, nil
}

// Resume re-drives withdrawals left in signing by a crashed process. The
// reserve-then-commit nonce protocol makes the replayed attempt safe: a nonce
// already spent on-chain forces a re-reserve, and a broadcast of the same
// signed bytes is a no-op.
func (o *Orchestrator) Resume(ctx context.Context) (int, error) {
	inFlight, err := o.withdraws.ListByStatus(ctx, domain.WithdrawStatusSigning)
	if err != nil {
		return 0, err
	}

	resumed := 0
	for _, w := range inFlight {
		o.log.Info("resuming in-flight withdrawal", "withdraw_id", w.ID, "status", w.Status)
		if err := o.executeSigning(ctx, w); err != nil {
			o.log.Error("failed to resume withdrawal", "withdraw_id", w.ID, "error", err)
			continue
		}
		resumed++
	}
	return resumed, nil
}

// executeSigning drives one withdrawal in signing state through wallet
// selection, nonce reservation, fee estimation, external signing and
// broadcast. The nonce commits only after the broadcast succeeds; a failed
// broadcast never burns the slot.
func (o *Orchestrator) executeSigning(ctx context.Context, w *domain.Withdraw) error {
	handler, ok := o.chains[w.ChainID]
	if !ok {
		return o.fail(ctx, w, fmt.Sprintf("no handler for chain %s", w.ChainID))
	}

	if w.FromAddress == "" {
		wallet, err := o.allocator.SelectWallet(ctx, w.ChainID, domain.WalletTypeHot)
		if err != nil {
			return o.fail(ctx, w, "wallet selection failed: "+err.Error())
		}
		w.FromAddress = wallet.Address
	}

	kind := "native"
	if w.TokenID != "" && !strings.EqualFold(w.TokenID, "native") {
		kind = "token"
	}
	fee, err := o.feeOracle.EstimateFee(ctx, w.ChainID, kind)
	if err != nil {
		return o.fail(ctx, w, "fee estimate failed: "+err.Error())
	}

	for attempt := 1; attempt <= o.maxAttempts; attempt++ {
		n, err := o.allocator.Reserve(ctx, w.FromAddress, w.ChainID)
		if err != nil {
			return o.fail(ctx, w, "nonce reservation failed: "+err.Error())
		}
		w.Nonce = n

		params, err := handler.PrepareParams(ctx, w, *fee)
		if err != nil {
			return o.fail(ctx, w, "failed to prepare transaction: "+err.Error())
		}
		w.GasPrice = params.GasPrice
		w.GasLimit = params.GasLimit
		w.Fee = fee.Fee
		if err := o.withdraws.SetSigningInfo(ctx, w.ID, w.FromAddress, n, params.GasPrice, params.GasLimit, fee.Fee); err != nil {
			return o.fail(ctx, w, "failed to persist signing info: "+err.Error())
		}

		signReq := handler.BuildSignRequest(w, params, types.DualSignatures{
			Business: w.BusinessSignature,
			Risk:     w.RiskSignature,
		})
		signResp, err := o.signer.SignTransaction(ctx, signReq)
		if err != nil {
			return o.fail(ctx, w, "signing failed: "+err.Error())
		}

		start := time.Now()
		txHash, err := handler.Broadcast(ctx, signResp.SignedTransaction)
		metrics.BroadcastLatency.WithLabelValues(string(w.ChainID)).Observe(time.Since(start).Seconds())
		switch {
		case err == nil:
		case isAlreadyKnown(err):
			// The same signed bytes are already in the mempool: a replayed
			// broadcast after a crash lands here. The transaction is
			// delivered; signing a second one would pay the withdrawal twice.
			o.log.Info("broadcast already in mempool, treating as delivered",
				"withdraw_id", w.ID, "nonce", n)
			txHash = signResp.TransactionHash
			if txHash == "" {
				txHash = w.TxHash
			}
		case isStaleNonce(err):
			o.log.Warn("broadcast hit stale nonce, re-reserving",
				"withdraw_id", w.ID, "nonce", n, "attempt", attempt)
			o.resyncNonce(ctx, handler, w.FromAddress)
			continue
		default:
			return o.fail(ctx, w, "broadcast failed: "+err.Error())
		}
		w.TxHash = txHash

		if err := o.withdraws.SetBroadcast(ctx, w.ID, txHash); err != nil {
			o.log.Error("failed to persist tx hash", "withdraw_id", w.ID, "tx_hash", txHash, "error", err)
		}
		if err := handler.PostBroadcast(ctx, txHash); err != nil {
			o.log.Warn("post-broadcast hook failed", "withdraw_id", w.ID, "error", err)
		}
		if err := o.transition(ctx, w, domain.WithdrawStatusPending); err != nil {
			return err
		}

		if err := o.allocator.Commit(ctx, w.FromAddress, w.ChainID, n); err != nil {
			// The broadcast already consumed the nonce on-chain, so a lost
			// CAS here means the stored counter drifted. Resync instead of
			// failing a transaction that is already in the mempool.
			if errors.Is(err, storage.ErrNonceConflict) {
				o.resyncNonce(ctx, handler, w.FromAddress)
			} else {
				o.log.Error("nonce commit failed", "withdraw_id", w.ID, "nonce", n, "error", err)
			}
		}

		o.log.Info("withdrawal broadcast",
			"withdraw_id", w.ID, "tx_hash", txHash, "nonce", n, "chain", w.ChainID)
		return nil
	}

	return o.fail(ctx, w, fmt.Sprintf("gave up after %d nonce attempts", o.maxAttempts))
}

// transition moves a withdraw to next with the state machine and optimistic
// storage guard both enforced.
func (o *Orchestrator) transition(ctx context.Context, w *domain.Withdraw, next domain.WithdrawStatus) error {
	if !w.Status.CanTransition(next) {
		return fmt.Errorf("illegal transition %s -> %s for withdraw %s", w.Status, next, w.ID)
	}
	if err := o.withdraws.UpdateStatus(ctx, w.ID, w.Status, next); err != nil {
		return fmt.Errorf("transition %s -> %s: %w", w.Status, next, err)
	}
	w.Status = next
	metrics.WithdrawTransitions.WithLabelValues(string(next)).Inc()
	return nil
}

// reject terminates a withdrawal before broadcast and releases the held funds
// with a compensating credit.
func (o *Orchestrator) reject(ctx context.Context, w *domain.Withdraw, reason string) error {
	if err := o.transition(ctx, w, domain.WithdrawStatusRejected); err != nil {
		return err
	}
	if err := o.withdraws.SetFailure(ctx, w.ID, reason); err != nil {
		o.log.Warn("failed to record rejection reason", "withdraw_id", w.ID, "error", err)
	}
	if err := o.assessments.Delete(ctx, w.OperationID); err != nil {
		o.log.Warn("failed to delete settled assessment", "operation_id", w.OperationID, "error", err)
	}
	return o.reverseDebit(ctx, w, reason)
}

// fail records a terminal failure and releases the held funds. The returned
// error always reports the original failure.
func (o *Orchestrator) fail(ctx context.Context, w *domain.Withdraw, msg string) error {
	o.log.Error("withdrawal failed", "withdraw_id", w.ID, "status", w.Status, "reason", msg)
	if err := o.withdraws.SetFailure(ctx, w.ID, msg); err != nil {
		o.log.Error("failed to record failure message", "withdraw_id", w.ID, "error", err)
	}
	if err := o.transition(ctx, w, domain.WithdrawStatusFailed); err != nil {
		o.log.Error("failed to mark withdrawal failed", "withdraw_id", w.ID, "error", err)
	}
	if err := o.reverseDebit(ctx, w, msg); err != nil {
		o.log.Error("failed to reverse debit", "withdraw_id", w.ID, "error", err)
	}
	return fmt.Errorf("withdrawal %s failed: %s", w.ID, msg)
}

// reverseDebit appends the compensating credit for the withdrawal's debit.
func (o *Orchestrator) reverseDebit(ctx context.Context, w *domain.Withdraw, reason string) error {
	debit, err := o.credits.GetByReference(ctx, w.ID, "withdraw", 0)
	if err != nil {
		return fmt.Errorf("failed to load debit for %s: %w", w.ID, err)
	}
	if debit == nil {
		return fmt.Errorf("withdraw %s has no debit credit", w.ID)
	}
	if _, err := o.ledger.Reverse(ctx, debit, reason); err != nil {
		return err
	}
	return nil
}

// resyncNonce overwrites the stored counter with the live chain value.
func (o *Orchestrator) resyncNonce(ctx context.Context, handler chain.Handler, address string) {
	chainNonce, err := handler.PendingNonce(ctx, address)
	if err != nil {
		o.log.Error("failed to query chain nonce for resync", "address", address, "error", err)
		return
	}
	if err := o.allocator.SyncFromChain(ctx, address, handler.ChainID(), chainNonce); err != nil {
		o.log.Error("failed to resync nonce", "address", address, "error", err)
	}
}

// isStaleNonce reports whether a broadcast error indicates the nonce was
// consumed by a different transaction, which is retryable with a fresh
// reservation.
func isStaleNonce(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "nonce too low") ||
		strings.Contains(msg, "replacement transaction")
}

// isAlreadyKnown reports whether a broadcast error means this exact
// transaction is already in the mempool. That is delivery, not a conflict.
func isAlreadyKnown(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "already known")
}
