// Package reconcile tracks chain tips, promotes withdrawal confirmation depth
// and rolls state back when a reorganization orphans already-processed blocks.
package reconcile

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vietddude/custody/internal/core/domain"
	"github.com/vietddude/custody/internal/infra/chain"
	"github.com/vietddude/custody/internal/infra/storage"
	"github.com/vietddude/custody/internal/ledger"
	"github.com/vietddude/custody/internal/metrics"
)

// Depths configures the confirmation thresholds of one chain, in blocks from
// the tip.
type Depths struct {
	Confirmed uint64 `yaml:"confirmed"`
	Safe      uint64 `yaml:"safe"`
	Final     uint64 `yaml:"final"`
}

// Config holds reconciler tunables.
type Config struct {
	Interval     time.Duration `yaml:"interval"`
	BatchSize    uint64        `yaml:"batch_size"`
	MaxReorgScan int           `yaml:"max_reorg_scan"`
}

// RollbackStore deletes a reorged block range and its credits atomically.
type RollbackStore interface {
	RollbackRange(ctx context.Context, chainID domain.ChainID, from, to uint64) (int64, error)
}

// Reconciler is the per-process reconciliation worker.
type Reconciler struct {
	chains    map[domain.ChainID]chain.Handler
	depths    map[domain.ChainID]Depths
	blocks    storage.BlockRepository
	withdraws storage.WithdrawRepository
	credits   storage.CreditRepository
	ledger    *ledger.Store
	rollback  RollbackStore
	detector  *Detector
	interval  time.Duration
	batchSize uint64
	log       *slog.Logger
}

// NewReconciler creates a reconciler over the registered chains.
func NewReconciler(
	cfg Config,
	chains map[domain.ChainID]chain.Handler,
	depths map[domain.ChainID]Depths,
	blocks storage.BlockRepository,
	withdraws storage.WithdrawRepository,
	credits storage.CreditRepository,
	led *ledger.Store,
	rollback RollbackStore,
	log *slog.Logger,
) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	batchSize := cfg.BatchSize
	if batchSize == 0 {
		batchSize = 50
	}
	return &Reconciler{
		chains:    chains,
		depths:    depths,
		blocks:    blocks,
		withdraws: withdraws,
		credits:   credits,
		ledger:    led,
		rollback:  rollback,
		detector:  NewDetector(blocks, cfg.MaxReorgScan),
		interval:  interval,
		batchSize: batchSize,
		log:       log,
	}
}

// Run reconciles all chains on a fixed interval until the context ends. One
// chain's failure is logged and retried next tick, never fatal to the loop.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, h := range r.chains {
			h := h
			g.Go(func() error {
				if err := r.ReconcileChain(gctx, h); err != nil {
					r.log.Error("reconcile tick failed", "chain", h.ChainID(), "error", err)
				}
				return nil
			})
		}
		g.Wait()
	}
}

// ReconcileChain runs one reconciliation pass for a single chain: ingest new
// blocks (detecting reorgs on the way), then promote confirmation depth.
func (r *Reconciler) ReconcileChain(ctx context.Context, h chain.Handler) error {
	tip, err := h.GetLatestBlock(ctx)
	if err != nil {
		return err
	}

	if err := r.ingestBlocks(ctx, h, tip); err != nil {
		return err
	}
	return r.promote(ctx, h, tip)
}

// ingestBlocks tracks new block headers up to the tip. The parent hash of
// every fetched block is checked against the stored predecessor; a mismatch
// triggers the rollback before anything newer is recorded.
func (r *Reconciler) ingestBlocks(ctx context.Context, h chain.Handler, tip uint64) error {
	chainID := h.ChainID()

	latest, err := r.blocks.GetLatest(ctx, chainID)
	if err != nil {
		return err
	}
	start := tip
	if latest != nil {
		start = latest.Number + 1
	}
	end := tip
	if end > start+r.batchSize-1 {
		end = start + r.batchSize - 1
	}

	for n := start; n <= end; n++ {
		block, err := h.GetBlock(ctx, n)
		if err != nil {
			return err
		}
		if block == nil {
			break
		}

		info, err := r.detector.CheckParentHash(ctx, chainID, block.Number, block.ParentHash)
		if err != nil {
			return err
		}
		if info != nil {
			return r.handleReorg(ctx, h, info, latest.Number)
		}

		if err := r.blocks.Save(ctx, block); err != nil {
			return err
		}
	}
	return nil
}

// handleReorg rolls back every effect of the orphaned range: credits in
// [FromBlock, storedTip] are deleted, their blocks dropped so the ingest loop
// refetches the canonical versions, and broadcast withdrawals whose
// transactions vanished return to signing for a fresh attempt.
func (r *Reconciler) handleReorg(ctx context.Context, h chain.Handler, info *ReorgInfo, storedTip uint64) error {
	chainID := h.ChainID()
	metrics.ReorgRollbacks.WithLabelValues(string(chainID)).Inc()
	metrics.ReorgDepth.WithLabelValues(string(chainID)).Observe(float64(info.Depth))
	r.log.Warn("reorg detected, rolling back",
		"chain", chainID, "depth", info.Depth,
		"from_block", info.FromBlock, "safe_block", info.SafeBlock)

	deleted, err := r.rollback.RollbackRange(ctx, chainID, info.FromBlock, storedTip)
	if err != nil {
		return err
	}
	r.log.Warn("rolled back orphaned range",
		"chain", chainID, "from_block", info.FromBlock, "to_block", storedTip, "credits_deleted", deleted)

	return r.resetDroppedWithdrawals(ctx, h)
}

// resetDroppedWithdrawals moves broadcast withdrawals whose transactions are
// no longer on the canonical chain back to signing.
func (r *Reconciler) resetDroppedWithdrawals(ctx context.Context, h chain.Handler) error {
	chainID := h.ChainID()
	for _, status := range []domain.WithdrawStatus{
		domain.WithdrawStatusPending,
		domain.WithdrawStatusConfirmed,
		domain.WithdrawStatusSafe,
	} {
		list, err := r.withdraws.ListByStatus(ctx, status)
		if err != nil {
			return err
		}
		for _, w := range list {
			if w.ChainID != chainID || w.TxHash == "" {
				continue
			}
			_, found, err := h.TxBlockNumber(ctx, w.TxHash)
			if err != nil {
				r.log.Error("failed to check dropped tx", "withdraw_id", w.ID, "tx_hash", w.TxHash, "error", err)
				continue
			}
			if found {
				continue
			}
			if err := r.withdraws.UpdateStatus(ctx, w.ID, status, domain.WithdrawStatusSigning); err != nil {
				r.log.Error("failed to reset dropped withdrawal", "withdraw_id", w.ID, "error", err)
				continue
			}
			metrics.WithdrawTransitions.WithLabelValues(string(domain.WithdrawStatusSigning)).Inc()
			r.log.Warn("withdrawal transaction dropped by reorg, re-signing",
				"withdraw_id", w.ID, "tx_hash", w.TxHash)
		}
	}
	return nil
}

// promote advances broadcast withdrawals through confirmed, safe and
// finalized as their confirmation depth grows. Each pass moves a withdrawal at
// most one step; depth only grows, so the next tick catches up.
func (r *Reconciler) promote(ctx context.Context, h chain.Handler, tip uint64) error {
	chainID := h.ChainID()
	depths := r.depths[chainID]

	steps := []struct {
		from  domain.WithdrawStatus
		to    domain.WithdrawStatus
		depth uint64
	}{
		{domain.WithdrawStatusPending, domain.WithdrawStatusConfirmed, depths.Confirmed},
		{domain.WithdrawStatusConfirmed, domain.WithdrawStatusSafe, depths.Safe},
		{domain.WithdrawStatusSafe, domain.WithdrawStatusFinalized, depths.Final},
	}

	for _, step := range steps {
		list, err := r.withdraws.ListByStatus(ctx, step.from)
		if err != nil {
			return err
		}
		for _, w := range list {
			if w.ChainID != chainID || w.TxHash == "" {
				continue
			}
			blockNum, found, err := h.TxBlockNumber(ctx, w.TxHash)
			if err != nil {
				r.log.Error("failed to query tx inclusion", "withdraw_id", w.ID, "tx_hash", w.TxHash, "error", err)
				continue
			}
			if !found || tip < blockNum {
				continue
			}
			confirmations := tip - blockNum + 1
			if confirmations < step.depth {
				continue
			}

			if err := r.withdraws.UpdateStatus(ctx, w.ID, step.from, step.to); err != nil {
				r.log.Error("failed to promote withdrawal",
					"withdraw_id", w.ID, "from", step.from, "to", step.to, "error", err)
				continue
			}
			metrics.WithdrawTransitions.WithLabelValues(string(step.to)).Inc()
			r.log.Info("withdrawal promoted",
				"withdraw_id", w.ID, "to", step.to, "confirmations", confirmations)

			if err := r.promoteDebit(ctx, w, step.to); err != nil {
				r.log.Error("failed to promote debit credit", "withdraw_id", w.ID, "error", err)
			}
		}
	}
	return nil
}

// promoteDebit keeps the withdrawal's debit credit in step with the
// withdrawal itself: confirmed when the tx confirms, finalized when it
// finalizes. Only finalized credits count toward settled balance.
func (r *Reconciler) promoteDebit(ctx context.Context, w *domain.Withdraw, to domain.WithdrawStatus) error {
	var from, target domain.CreditStatus
	switch to {
	case domain.WithdrawStatusConfirmed:
		from, target = domain.CreditStatusPending, domain.CreditStatusConfirmed
	case domain.WithdrawStatusFinalized:
		from, target = domain.CreditStatusConfirmed, domain.CreditStatusFinalized
	default:
		return nil
	}

	debit, err := r.credits.GetByReference(ctx, w.ID, "withdraw", 0)
	if err != nil {
		return err
	}
	if debit == nil {
		return nil
	}
	return r.ledger.Advance(ctx, debit.ID, from, target)
}
