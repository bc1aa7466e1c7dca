package nonce

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/vietddude/custody/internal/core/domain"
	"github.com/vietddude/custody/internal/infra/storage"
	"github.com/vietddude/custody/internal/infra/storage/memory"
)

const (
	testChain = domain.ChainID("eth")
	testAddr  = "0xhot1"
)

type stubSource struct {
	nonce uint64
	calls int
}

func (s *stubSource) PendingNonce(ctx context.Context, address string) (uint64, error) {
	s.calls++
	return s.nonce, nil
}

func newTestAllocator(t *testing.T, startNonce uint64, synced bool) (*Allocator, *memory.WalletRepo) {
	t.Helper()
	wallets := memory.NewWalletRepo(memory.NewMemoryStorage())
	err := wallets.Create(context.Background(), &domain.SigningWallet{
		Address:     testAddr,
		ChainID:     testChain,
		ChainType:   domain.ChainTypeEVM,
		WalletType:  domain.WalletTypeHot,
		Nonce:       startNonce,
		NonceSynced: synced,
		IsActive:    true,
	})
	if err != nil {
		t.Fatalf("failed to create wallet: %v", err)
	}
	return NewAllocator(wallets, nil, nil), wallets
}

func TestReserve_DoesNotConsumeSlot(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestAllocator(t, 7, true)

	for i := 0; i < 3; i++ {
		n, err := a.Reserve(ctx, testAddr, testChain)
		if err != nil {
			t.Fatalf("Reserve failed: %v", err)
		}
		if n != 7 {
			t.Errorf("expected nonce 7 on every reserve before commit, got %d", n)
		}
	}
}

func TestCommit_LoserMustReserveAgain(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestAllocator(t, 7, true)

	// Two concurrent withdrawals both reserve 7.
	first, _ := a.Reserve(ctx, testAddr, testChain)
	second, _ := a.Reserve(ctx, testAddr, testChain)
	if first != 7 || second != 7 {
		t.Fatalf("expected both reservations to see 7, got %d and %d", first, second)
	}

	if err := a.Commit(ctx, testAddr, testChain, first); err != nil {
		t.Fatalf("first commit failed: %v", err)
	}

	err := a.Commit(ctx, testAddr, testChain, second)
	if !errors.Is(err, storage.ErrNonceConflict) {
		t.Fatalf("expected ErrNonceConflict on second commit, got %v", err)
	}

	// The loser re-reserves and obtains the next slot.
	n, err := a.Reserve(ctx, testAddr, testChain)
	if err != nil {
		t.Fatalf("re-reserve failed: %v", err)
	}
	if n != 8 {
		t.Errorf("expected fresh reservation 8, got %d", n)
	}
}

func TestConcurrentCycles_CommitDistinctNonces(t *testing.T) {
	ctx := context.Background()
	a, wallets := newTestAllocator(t, 0, true)

	const workers = 16
	var (
		mu        sync.Mutex
		committed = make(map[uint64]int)
		wg        sync.WaitGroup
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				n, err := a.Reserve(ctx, testAddr, testChain)
				if err != nil {
					t.Errorf("Reserve failed: %v", err)
					return
				}
				err = a.Commit(ctx, testAddr, testChain, n)
				if err == nil {
					mu.Lock()
					committed[n]++
					mu.Unlock()
					return
				}
				if !errors.Is(err, storage.ErrNonceConflict) {
					t.Errorf("unexpected commit error: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if len(committed) != workers {
		t.Fatalf("expected %d distinct nonces, got %d", workers, len(committed))
	}
	for n := uint64(0); n < workers; n++ {
		if committed[n] != 1 {
			t.Errorf("nonce %d committed %d times", n, committed[n])
		}
	}

	w, err := wallets.GetByAddress(ctx, testAddr, testChain)
	if err != nil {
		t.Fatalf("GetByAddress failed: %v", err)
	}
	if w.Nonce != workers {
		t.Errorf("expected stored nonce %d, got %d", workers, w.Nonce)
	}
}

func TestCurrentNonce_LazyChainSync(t *testing.T) {
	ctx := context.Background()
	a, wallets := newTestAllocator(t, 0, false)

	src := &stubSource{nonce: 42}
	a.RegisterSource(testChain, src)

	n, err := a.CurrentNonce(ctx, testAddr, testChain)
	if err != nil {
		t.Fatalf("CurrentNonce failed: %v", err)
	}
	if n != 42 {
		t.Errorf("expected chain nonce 42, got %d", n)
	}

	// Synced flag persists; the chain is not queried again.
	if _, err := a.CurrentNonce(ctx, testAddr, testChain); err != nil {
		t.Fatalf("CurrentNonce failed: %v", err)
	}
	if src.calls != 1 {
		t.Errorf("expected a single chain query, got %d", src.calls)
	}

	w, _ := wallets.GetByAddress(ctx, testAddr, testChain)
	if !w.NonceSynced {
		t.Error("expected wallet marked synced")
	}
}

func TestCurrentNonce_UnknownWallet(t *testing.T) {
	a, _ := newTestAllocator(t, 0, true)

	_, err := a.CurrentNonce(context.Background(), "0xnobody", testChain)
	if !errors.Is(err, ErrWalletUnknown) {
		t.Fatalf("expected ErrWalletUnknown, got %v", err)
	}
}

func TestSyncFromChain_OverwritesDrift(t *testing.T) {
	ctx := context.Background()
	a, wallets := newTestAllocator(t, 5, true)

	if err := a.SyncFromChain(ctx, testAddr, testChain, 12); err != nil {
		t.Fatalf("SyncFromChain failed: %v", err)
	}
	w, _ := wallets.GetByAddress(ctx, testAddr, testChain)
	if w.Nonce != 12 {
		t.Errorf("expected nonce 12 after sync, got %d", w.Nonce)
	}
}
