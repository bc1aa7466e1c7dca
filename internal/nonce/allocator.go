// Package nonce maintains the authoritative next-nonce per signing address
// and chain.
//
// # Design: reserve-then-commit
//
// A nonce is handed out by Reserve without incrementing the stored value, so
// no lock is held across the external signer and broadcast I/O. Commit then
// advances the counter with a storage-level compare-and-swap: exactly one
// commit per nonce value can succeed. A loser must Reserve again; reusing the
// stale nonce would double-spend the slot.
package nonce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vietddude/custody/internal/core/domain"
	redisclient "github.com/vietddude/custody/internal/infra/redis"
	"github.com/vietddude/custody/internal/infra/storage"
	"github.com/vietddude/custody/internal/metrics"
)

// ErrWalletUnknown is returned when no signing wallet exists for the pair.
var ErrWalletUnknown = errors.New("unknown signing wallet")

// Source queries the live chain nonce for an address. Implemented by the
// chain handlers.
type Source interface {
	PendingNonce(ctx context.Context, address string) (uint64, error)
}

// Allocator owns nonce state for all signing wallets.
type Allocator struct {
	wallets storage.SigningWalletRepository
	sources map[domain.ChainID]Source
	cache   *redisclient.Client // advisory mirror, may be nil
	log     *slog.Logger
}

// NewAllocator creates a nonce allocator.
func NewAllocator(wallets storage.SigningWalletRepository, cache *redisclient.Client, log *slog.Logger) *Allocator {
	if log == nil {
		log = slog.Default()
	}
	return &Allocator{
		wallets: wallets,
		sources: make(map[domain.ChainID]Source),
		cache:   cache,
		log:     log,
	}
}

// RegisterSource attaches a live-chain nonce source for a chain.
func (a *Allocator) RegisterSource(chainID domain.ChainID, src Source) {
	a.sources[chainID] = src
}

// CurrentNonce returns the stored nonce for (address, chain). If the wallet
// has never been synced, the live chain nonce is fetched and persisted first.
func (a *Allocator) CurrentNonce(ctx context.Context, address string, chainID domain.ChainID) (uint64, error) {
	w, err := a.wallets.GetByAddress(ctx, address, chainID)
	if err != nil {
		return 0, fmt.Errorf("failed to load wallet: %w", err)
	}
	if w == nil {
		return 0, fmt.Errorf("%w: %s on %s", ErrWalletUnknown, address, chainID)
	}
	if w.NonceSynced {
		return w.Nonce, nil
	}

	src, ok := a.sources[chainID]
	if !ok {
		return 0, fmt.Errorf("no nonce source registered for chain %s", chainID)
	}
	chainNonce, err := src.PendingNonce(ctx, address)
	if err != nil {
		return 0, fmt.Errorf("failed to query chain nonce: %w", err)
	}
	if err := a.wallets.SetNonce(ctx, address, chainID, chainNonce); err != nil {
		return 0, fmt.Errorf("failed to persist chain nonce: %w", err)
	}
	a.log.Info("initialized nonce from chain",
		"address", address, "chain", chainID, "nonce", chainNonce)
	return chainNonce, nil
}

// Reserve returns the nonce a signer should use next. The stored value is not
// incremented: the slot is only consumed by Commit after a successful
// broadcast, so a failed broadcast never burns the nonce.
func (a *Allocator) Reserve(ctx context.Context, address string, chainID domain.ChainID) (uint64, error) {
	n, err := a.CurrentNonce(ctx, address, chainID)
	if err != nil {
		return 0, err
	}
	if a.cache != nil {
		if err := a.cache.MirrorNonce(ctx, address, string(chainID), n); err != nil {
			a.log.Debug("nonce mirror write failed", "error", err)
		}
	}
	return n, nil
}

// Commit advances the stored nonce to usedNonce+1, but only if the stored
// value still equals usedNonce. A storage.ErrNonceConflict return means a
// concurrent commit won the race; the caller must Reserve again.
func (a *Allocator) Commit(ctx context.Context, address string, chainID domain.ChainID, usedNonce uint64) error {
	err := a.wallets.CompareAndSwapNonce(ctx, address, chainID, usedNonce, usedNonce+1)
	if err != nil {
		if errors.Is(err, storage.ErrNonceConflict) {
			metrics.NonceConflicts.WithLabelValues(string(chainID)).Inc()
			a.log.Warn("nonce commit lost race",
				"address", address, "chain", chainID, "nonce", usedNonce)
		}
		return err
	}
	if a.cache != nil {
		if err := a.cache.MirrorNonce(ctx, address, string(chainID), usedNonce+1); err != nil {
			a.log.Debug("nonce mirror write failed", "error", err)
		}
	}
	return nil
}

// SyncFromChain force-overwrites the stored nonce after detected drift.
func (a *Allocator) SyncFromChain(ctx context.Context, address string, chainID domain.ChainID, chainNonce uint64) error {
	if err := a.wallets.SetNonce(ctx, address, chainID, chainNonce); err != nil {
		return fmt.Errorf("failed to sync nonce: %w", err)
	}
	a.log.Info("nonce synced from chain",
		"address", address, "chain", chainID, "nonce", chainNonce)
	return nil
}

// SelectWallet picks the least-recently-used active wallet for a chain and
// bumps its usage timestamp.
func (a *Allocator) SelectWallet(ctx context.Context, chainID domain.ChainID, walletType domain.WalletType) (*domain.SigningWallet, error) {
	w, err := a.wallets.LeastRecentlyUsed(ctx, chainID, walletType)
	if err != nil {
		return nil, fmt.Errorf("failed to select wallet: %w", err)
	}
	if w == nil {
		return nil, fmt.Errorf("%w: no active %s wallet on %s", ErrWalletUnknown, walletType, chainID)
	}
	if err := a.wallets.Touch(ctx, w.Address, chainID); err != nil {
		a.log.Debug("failed to touch wallet", "address", w.Address, "error", err)
	}
	return w, nil
}
