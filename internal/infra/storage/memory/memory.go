package memory

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/vietddude/custody/internal/core/domain"
	"github.com/vietddude/custody/internal/infra/storage"
)

// MemoryStorage backs the in-memory repository implementations. It mirrors the
// postgres constraints (unique credit reference, unique operation id, nonce
// CAS) so service tests exercise the same failure paths.
type MemoryStorage struct {
	credits     []*domain.Credit
	creditRefs  map[string]uint64 // reference key -> credit id
	nextCredit  uint64
	withdraws   map[string]*domain.Withdraw
	wallets     map[string]*domain.SigningWallet // address|chain
	operations  map[string]*domain.OperationRecord
	assessments map[string]*domain.RiskAssessment
	audits      []*domain.AuditEntry
	blocks      map[string]*domain.Block // chain|number
	mu          sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		creditRefs:  make(map[string]uint64),
		withdraws:   make(map[string]*domain.Withdraw),
		wallets:     make(map[string]*domain.SigningWallet),
		operations:  make(map[string]*domain.OperationRecord),
		assessments: make(map[string]*domain.RiskAssessment),
		blocks:      make(map[string]*domain.Block),
	}
}

func refKey(referenceID, referenceType string, eventIndex int) string {
	return fmt.Sprintf("%s|%s|%d", referenceID, referenceType, eventIndex)
}

func walletKey(address string, chainID domain.ChainID) string {
	return address + "|" + string(chainID)
}

func blockKey(chainID domain.ChainID, number uint64) string {
	return fmt.Sprintf("%s|%d", chainID, number)
}

// -----------------------------------------------------------------------------
// Credit Repository
// -----------------------------------------------------------------------------

type CreditRepo struct {
	store *MemoryStorage
}

func NewCreditRepo(store *MemoryStorage) *CreditRepo {
	return &CreditRepo{store: store}
}

func (r *CreditRepo) Append(ctx context.Context, c *domain.Credit) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	key := refKey(c.ReferenceID, c.ReferenceType, c.EventIndex)
	if _, exists := r.store.creditRefs[key]; exists {
		return storage.ErrDuplicateReference
	}

	r.store.nextCredit++
	c.ID = r.store.nextCredit
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	cp := *c
	r.store.credits = append(r.store.credits, &cp)
	r.store.creditRefs[key] = c.ID
	return nil
}

func (r *CreditRepo) GetByReference(ctx context.Context, referenceID, referenceType string, eventIndex int) (*domain.Credit, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	id, ok := r.store.creditRefs[refKey(referenceID, referenceType, eventIndex)]
	if !ok {
		return nil, nil
	}
	for _, c := range r.store.credits {
		if c.ID == id {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *CreditRepo) UpdateStatus(ctx context.Context, id uint64, from, to domain.CreditStatus) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	for _, c := range r.store.credits {
		if c.ID == id {
			if c.Status != from {
				return storage.ErrStatusConflict
			}
			c.Status = to
			return nil
		}
	}
	return storage.ErrStatusConflict
}

func (r *CreditRepo) UpdateStatusByTxHash(ctx context.Context, txHash string, from, to domain.CreditStatus) (int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	var n int64
	for _, c := range r.store.credits {
		if c.TxHash == txHash && c.Status == from {
			c.Status = to
			n++
		}
	}
	return n, nil
}

func (r *CreditRepo) ListByUserToken(ctx context.Context, userID, tokenID string) ([]*domain.Credit, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var out []*domain.Credit
	for _, c := range r.store.credits {
		if c.UserID == userID && (tokenID == "" || c.TokenID == tokenID) {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *CreditRepo) ListByReferenceID(ctx context.Context, referenceID string) ([]*domain.Credit, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var out []*domain.Credit
	for _, c := range r.store.credits {
		if c.ReferenceID == referenceID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventIndex < out[j].EventIndex })
	return out, nil
}

func (r *CreditRepo) ListByBlockRange(ctx context.Context, chainID domain.ChainID, from, to uint64) ([]*domain.Credit, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var out []*domain.Credit
	for _, c := range r.store.credits {
		if c.ChainID == chainID && c.BlockNumber >= from && c.BlockNumber <= to {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *CreditRepo) DeleteByBlockRange(ctx context.Context, chainID domain.ChainID, from, to uint64) (int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	var kept []*domain.Credit
	var n int64
	for _, c := range r.store.credits {
		if c.ChainID == chainID && c.BlockNumber >= from && c.BlockNumber <= to {
			delete(r.store.creditRefs, refKey(c.ReferenceID, c.ReferenceType, c.EventIndex))
			n++
			continue
		}
		kept = append(kept, c)
	}
	r.store.credits = kept
	return n, nil
}

func (r *CreditRepo) CountWithdrawalsSince(ctx context.Context, userID string, since time.Time) (int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	count := 0
	for _, c := range r.store.credits {
		if c.UserID == userID && c.CreditType == domain.CreditTypeWithdraw && !c.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (r *CreditRepo) HasDestination(ctx context.Context, userID, address string) (bool, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	for _, c := range r.store.credits {
		if c.UserID == userID && c.Address == address {
			return true, nil
		}
	}
	return false, nil
}

// -----------------------------------------------------------------------------
// Withdraw Repository
// -----------------------------------------------------------------------------

type WithdrawRepo struct {
	store *MemoryStorage
}

func NewWithdrawRepo(store *MemoryStorage) *WithdrawRepo {
	return &WithdrawRepo{store: store}
}

func (r *WithdrawRepo) Create(ctx context.Context, w *domain.Withdraw) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	for _, existing := range r.store.withdraws {
		if existing.OperationID == w.OperationID {
			return storage.ErrOperationReplayed
		}
	}
	now := time.Now()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	w.UpdatedAt = now
	cp := *w
	r.store.withdraws[w.ID] = &cp
	return nil
}

func (r *WithdrawRepo) GetByID(ctx context.Context, id string) (*domain.Withdraw, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	w, ok := r.store.withdraws[id]
	if !ok {
		return nil, nil
	}
	cp := *w
	return &cp, nil
}

func (r *WithdrawRepo) GetByOperationID(ctx context.Context, operationID string) (*domain.Withdraw, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	for _, w := range r.store.withdraws {
		if w.OperationID == operationID {
			cp := *w
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *WithdrawRepo) UpdateStatus(ctx context.Context, id string, from, to domain.WithdrawStatus) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	w, ok := r.store.withdraws[id]
	if !ok || w.Status != from {
		return storage.ErrStatusConflict
	}
	w.Status = to
	w.UpdatedAt = time.Now()
	return nil
}

func (r *WithdrawRepo) SetSigningInfo(ctx context.Context, id, fromAddress string, nonce uint64, gasPrice string, gasLimit uint64, fee string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	w, ok := r.store.withdraws[id]
	if !ok {
		return storage.ErrNotFound
	}
	w.FromAddress = fromAddress
	w.Nonce = nonce
	w.GasPrice = gasPrice
	w.GasLimit = gasLimit
	w.Fee = fee
	w.UpdatedAt = time.Now()
	return nil
}

func (r *WithdrawRepo) SetBroadcast(ctx context.Context, id, txHash string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	w, ok := r.store.withdraws[id]
	if !ok {
		return storage.ErrNotFound
	}
	w.TxHash = txHash
	w.UpdatedAt = time.Now()
	return nil
}

func (r *WithdrawRepo) SetFailure(ctx context.Context, id, errorMessage string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	w, ok := r.store.withdraws[id]
	if !ok {
		return storage.ErrNotFound
	}
	w.ErrorMessage = errorMessage
	w.UpdatedAt = time.Now()
	return nil
}

func (r *WithdrawRepo) ListByStatus(ctx context.Context, status domain.WithdrawStatus) ([]*domain.Withdraw, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var out []*domain.Withdraw
	for _, w := range r.store.withdraws {
		if w.Status == status {
			cp := *w
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *WithdrawRepo) ListStaleManualReviews(ctx context.Context, before time.Time) ([]*domain.Withdraw, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var out []*domain.Withdraw
	for _, w := range r.store.withdraws {
		if w.Status == domain.WithdrawStatusManualReviewing && w.UpdatedAt.Before(before) {
			cp := *w
			out = append(out, &cp)
		}
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// Transactional helpers
// -----------------------------------------------------------------------------

// TxStore provides the multi-statement mutations the orchestrator runs inside
// one postgres transaction. The in-memory version holds the storage mutex
// across the whole mutation, giving the same check-and-insert atomicity.
type TxStore struct {
	store     *MemoryStorage
	withdraws *WithdrawRepo
	credits   *CreditRepo
	blocks    *BlockRepo
}

func NewTxStore(store *MemoryStorage) *TxStore {
	return &TxStore{
		store:     store,
		withdraws: NewWithdrawRepo(store),
		credits:   NewCreditRepo(store),
		blocks:    NewBlockRepo(store),
	}
}

// CreateWithDebit checks the spendable balance and inserts the withdraw row
// plus its debit credit under one lock, mirroring the postgres transaction.
func (s *TxStore) CreateWithDebit(ctx context.Context, w *domain.Withdraw, debit *domain.Credit) error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	required, ok := new(big.Int).SetString(debit.Amount, 10)
	if !ok {
		return fmt.Errorf("invalid debit amount %q", debit.Amount)
	}
	required.Neg(required)

	spendable := s.store.spendableLocked(debit.UserID, debit.TokenID)
	if spendable.Cmp(required) < 0 {
		return fmt.Errorf("%w: have %s, need %s", storage.ErrInsufficientFunds, spendable, required)
	}

	for _, existing := range s.store.withdraws {
		if existing.OperationID == w.OperationID {
			return storage.ErrOperationReplayed
		}
	}
	key := refKey(debit.ReferenceID, debit.ReferenceType, debit.EventIndex)
	if _, exists := s.store.creditRefs[key]; exists {
		return storage.ErrDuplicateReference
	}

	now := time.Now()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	w.UpdatedAt = now
	wcp := *w
	s.store.withdraws[w.ID] = &wcp

	s.store.nextCredit++
	debit.ID = s.store.nextCredit
	if debit.CreatedAt.IsZero() {
		debit.CreatedAt = now
	}
	ccp := *debit
	s.store.credits = append(s.store.credits, &ccp)
	s.store.creditRefs[key] = debit.ID
	return nil
}

// spendableLocked derives the spendable balance with the mutex already held,
// using the same rules as the ledger: finalized credits settle, in-flight
// withdraw debits hold, freeze entries subtract.
func (m *MemoryStorage) spendableLocked(userID, tokenID string) *big.Int {
	spendable := new(big.Int)
	frozen := new(big.Int)
	for _, c := range m.credits {
		if c.UserID != userID || c.TokenID != tokenID {
			continue
		}
		amount, ok := new(big.Int).SetString(c.Amount, 10)
		if !ok {
			continue
		}
		switch {
		case c.Status == domain.CreditStatusFinalized &&
			(c.CreditType == domain.CreditTypeFreeze || c.CreditType == domain.CreditTypeUnfreeze):
			frozen.Add(frozen, amount)
		case c.Status == domain.CreditStatusFinalized:
			spendable.Add(spendable, amount)
		case c.CreditType == domain.CreditTypeWithdraw &&
			(c.Status == domain.CreditStatusPending || c.Status == domain.CreditStatusConfirmed):
			spendable.Add(spendable, amount)
		}
	}
	return spendable.Sub(spendable, frozen)
}

// RollbackRange deletes the credits and tracked blocks of a reorged range.
func (s *TxStore) RollbackRange(ctx context.Context, chainID domain.ChainID, from, to uint64) (int64, error) {
	n, err := s.credits.DeleteByBlockRange(ctx, chainID, from, to)
	if err != nil {
		return 0, err
	}
	if err := s.blocks.DeleteRange(ctx, chainID, from, to); err != nil {
		return n, err
	}
	return n, nil
}

// -----------------------------------------------------------------------------
// Signing Wallet Repository
// -----------------------------------------------------------------------------

type WalletRepo struct {
	store *MemoryStorage
}

func NewWalletRepo(store *MemoryStorage) *WalletRepo {
	return &WalletRepo{store: store}
}

func (r *WalletRepo) Create(ctx context.Context, w *domain.SigningWallet) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	key := walletKey(w.Address, w.ChainID)
	if _, exists := r.store.wallets[key]; exists {
		return fmt.Errorf("wallet %s already exists", key)
	}
	cp := *w
	r.store.wallets[key] = &cp
	return nil
}

func (r *WalletRepo) GetByAddress(ctx context.Context, address string, chainID domain.ChainID) (*domain.SigningWallet, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	w, ok := r.store.wallets[walletKey(address, chainID)]
	if !ok {
		return nil, nil
	}
	cp := *w
	return &cp, nil
}

func (r *WalletRepo) LeastRecentlyUsed(ctx context.Context, chainID domain.ChainID, walletType domain.WalletType) (*domain.SigningWallet, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var oldest *domain.SigningWallet
	for _, w := range r.store.wallets {
		if w.ChainID != chainID || w.WalletType != walletType || !w.IsActive {
			continue
		}
		if oldest == nil || w.LastUsedAt.Before(oldest.LastUsedAt) {
			oldest = w
		}
	}
	if oldest == nil {
		return nil, nil
	}
	cp := *oldest
	return &cp, nil
}

func (r *WalletRepo) Touch(ctx context.Context, address string, chainID domain.ChainID) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	if w, ok := r.store.wallets[walletKey(address, chainID)]; ok {
		w.LastUsedAt = time.Now()
	}
	return nil
}

func (r *WalletRepo) SetNonce(ctx context.Context, address string, chainID domain.ChainID, nonce uint64) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	w, ok := r.store.wallets[walletKey(address, chainID)]
	if !ok {
		return storage.ErrNotFound
	}
	w.Nonce = nonce
	w.NonceSynced = true
	return nil
}

func (r *WalletRepo) CompareAndSwapNonce(ctx context.Context, address string, chainID domain.ChainID, expected, next uint64) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	w, ok := r.store.wallets[walletKey(address, chainID)]
	if !ok {
		return storage.ErrNotFound
	}
	if w.Nonce != expected {
		return storage.ErrNonceConflict
	}
	w.Nonce = next
	return nil
}

// -----------------------------------------------------------------------------
// Operation Record Repository
// -----------------------------------------------------------------------------

type OperationRepo struct {
	store *MemoryStorage
}

func NewOperationRepo(store *MemoryStorage) *OperationRepo {
	return &OperationRepo{store: store}
}

func (r *OperationRepo) Record(ctx context.Context, rec *domain.OperationRecord) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	if _, exists := r.store.operations[rec.OperationID]; exists {
		return storage.ErrOperationReplayed
	}
	cp := *rec
	r.store.operations[rec.OperationID] = &cp
	return nil
}

func (r *OperationRepo) Get(ctx context.Context, operationID string) (*domain.OperationRecord, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	rec, ok := r.store.operations[operationID]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (r *OperationRepo) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	var n int64
	for id, rec := range r.store.operations {
		if rec.ExpiresAt.Before(before) {
			delete(r.store.operations, id)
			n++
		}
	}
	return n, nil
}

// -----------------------------------------------------------------------------
// Risk Assessment Repository
// -----------------------------------------------------------------------------

type RiskAssessmentRepo struct {
	store *MemoryStorage
}

func NewRiskAssessmentRepo(store *MemoryStorage) *RiskAssessmentRepo {
	return &RiskAssessmentRepo{store: store}
}

func (r *RiskAssessmentRepo) Save(ctx context.Context, a *domain.RiskAssessment) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	cp := *a
	r.store.assessments[a.OperationID] = &cp
	return nil
}

func (r *RiskAssessmentRepo) GetByOperationID(ctx context.Context, operationID string) (*domain.RiskAssessment, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	a, ok := r.store.assessments[operationID]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (r *RiskAssessmentRepo) Delete(ctx context.Context, operationID string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	delete(r.store.assessments, operationID)
	return nil
}

func (r *RiskAssessmentRepo) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	var n int64
	for id, a := range r.store.assessments {
		if a.ExpiresAt.Before(before) {
			delete(r.store.assessments, id)
			n++
		}
	}
	return n, nil
}

// -----------------------------------------------------------------------------
// Audit Repository
// -----------------------------------------------------------------------------

type AuditRepo struct {
	store *MemoryStorage
}

func NewAuditRepo(store *MemoryStorage) *AuditRepo {
	return &AuditRepo{store: store}
}

func (r *AuditRepo) Append(ctx context.Context, entry *domain.AuditEntry) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	cp := *entry
	r.store.audits = append(r.store.audits, &cp)
	return nil
}

// Entries returns a snapshot of the audit log (test helper).
func (r *AuditRepo) Entries() []*domain.AuditEntry {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	out := make([]*domain.AuditEntry, len(r.store.audits))
	copy(out, r.store.audits)
	return out
}

// -----------------------------------------------------------------------------
// Block Repository
// -----------------------------------------------------------------------------

type BlockRepo struct {
	store *MemoryStorage
}

func NewBlockRepo(store *MemoryStorage) *BlockRepo {
	return &BlockRepo{store: store}
}

func (r *BlockRepo) Save(ctx context.Context, block *domain.Block) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	cp := *block
	r.store.blocks[blockKey(block.ChainID, block.Number)] = &cp
	return nil
}

func (r *BlockRepo) GetByNumber(ctx context.Context, chainID domain.ChainID, blockNumber uint64) (*domain.Block, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	b, ok := r.store.blocks[blockKey(chainID, blockNumber)]
	if !ok {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

func (r *BlockRepo) GetLatest(ctx context.Context, chainID domain.ChainID) (*domain.Block, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var max *domain.Block
	for _, b := range r.store.blocks {
		if b.ChainID == chainID && (max == nil || b.Number > max.Number) {
			max = b
		}
	}
	if max == nil {
		return nil, nil
	}
	cp := *max
	return &cp, nil
}

func (r *BlockRepo) UpdateStatus(ctx context.Context, chainID domain.ChainID, blockNumber uint64, status domain.BlockStatus) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	if b, ok := r.store.blocks[blockKey(chainID, blockNumber)]; ok {
		b.Status = status
	}
	return nil
}

func (r *BlockRepo) DeleteRange(ctx context.Context, chainID domain.ChainID, from, to uint64) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	for n := from; n <= to; n++ {
		delete(r.store.blocks, blockKey(chainID, n))
	}
	return nil
}
