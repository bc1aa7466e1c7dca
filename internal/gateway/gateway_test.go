package gateway

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/vietddude/custody/internal/core/domain"
	"github.com/vietddude/custody/internal/infra/chain"
	"github.com/vietddude/custody/internal/infra/chain/types"
	"github.com/vietddude/custody/internal/infra/storage/memory"
	"github.com/vietddude/custody/internal/ledger"
	"github.com/vietddude/custody/internal/nonce"
	"github.com/vietddude/custody/internal/risk"
	"github.com/vietddude/custody/internal/withdrawal"
)

const gwChain = domain.ChainID("eth")

type stubChain struct{ broadcasts int }

func (c *stubChain) ChainID() domain.ChainID { return gwChain }

func (c *stubChain) ChainType() domain.ChainType { return domain.ChainTypeEVM }

func (c *stubChain) PendingNonce(ctx context.Context, address string) (uint64, error) {
	return 0, nil
}

func (c *stubChain) PrepareParams(ctx context.Context, w *domain.Withdraw, fee types.FeeParams) (*types.TxParams, error) {
	return &types.TxParams{To: w.ToAddress, Value: w.Amount, Nonce: w.Nonce}, nil
}

func (c *stubChain) BuildSignRequest(w *domain.Withdraw, params *types.TxParams, sigs types.DualSignatures) *types.SignRequest {
	return &types.SignRequest{Address: w.FromAddress, Nonce: params.Nonce, DualSignatures: sigs}
}

func (c *stubChain) Broadcast(ctx context.Context, signedTx string) (string, error) {
	c.broadcasts++
	return fmt.Sprintf("0xtx%d", c.broadcasts), nil
}

func (c *stubChain) PostBroadcast(ctx context.Context, txHash string) error { return nil }

func (c *stubChain) TxBlockNumber(ctx context.Context, txHash string) (uint64, bool, error) {
	return 0, false, nil
}

func (c *stubChain) GetLatestBlock(ctx context.Context) (uint64, error) { return 0, nil }

func (c *stubChain) GetBlock(ctx context.Context, blockNumber uint64) (*domain.Block, error) {
	return nil, nil
}

type stubSigner struct{}

func (s *stubSigner) SignTransaction(ctx context.Context, req *types.SignRequest) (*types.SignResponse, error) {
	return &types.SignResponse{SignedTransaction: "0xsigned"}, nil
}

func (s *stubSigner) CreateWallet(ctx context.Context, chainType domain.ChainType) (*withdrawal.WalletInfo, error) {
	return nil, errors.New("not implemented")
}

type stubOracle struct{}

func (o *stubOracle) EstimateFee(ctx context.Context, chainID domain.ChainID, transferKind string) (*types.FeeParams, error) {
	return &types.FeeParams{GasPrice: "1", GasLimit: 21000, Fee: "21000"}, nil
}

type serviceEnv struct {
	svc      *Service
	audit    *memory.AuditRepo
	business signerPair
	risk     signerPair
}

func newServiceEnv(t *testing.T, rules ...risk.Rule) *serviceEnv {
	t.Helper()
	store := memory.NewMemoryStorage()
	credits := memory.NewCreditRepo(store)
	withdraws := memory.NewWithdrawRepo(store)
	wallets := memory.NewWalletRepo(store)
	led := ledger.NewStore(credits, nil)

	err := wallets.Create(context.Background(), &domain.SigningWallet{
		Address:     "0xhot1",
		ChainID:     gwChain,
		ChainType:   domain.ChainTypeEVM,
		WalletType:  domain.WalletTypeHot,
		NonceSynced: true,
		IsActive:    true,
	})
	if err != nil {
		t.Fatalf("failed to seed wallet: %v", err)
	}
	err = led.Append(context.Background(), &domain.Credit{
		UserID:        "alice",
		TokenID:       "usdt",
		Amount:        "100000",
		CreditType:    domain.CreditTypeDeposit,
		ReferenceID:   "dep-1",
		ReferenceType: "deposit",
		ChainID:       gwChain,
		Status:        domain.CreditStatusFinalized,
		BlockNumber:   1,
	})
	if err != nil {
		t.Fatalf("failed to fund user: %v", err)
	}

	orch := withdrawal.NewOrchestrator(
		memory.NewTxStore(store),
		withdraws,
		credits,
		memory.NewRiskAssessmentRepo(store),
		led,
		risk.NewEngine(rules, time.Hour, nil),
		nonce.NewAllocator(wallets, nil, nil),
		&stubSigner{},
		&stubOracle{},
		map[domain.ChainID]chain.Handler{gwChain: &stubChain{}},
		withdrawal.Config{},
		nil,
	)

	business, riskKeys := genKeys(t), genKeys(t)
	auditRepo := memory.NewAuditRepo(store)
	svc, err := NewService(
		Config{
			Keys: []KeyConfig{{
				Module:      "exchange",
				BusinessKey: hex.EncodeToString(business.pub),
				RiskKey:     hex.EncodeToString(riskKeys.pub),
			}},
			SensitiveActions: []string{"withdraws:insert"},
		},
		memory.NewOperationRepo(store),
		orch,
		NewAuditLogger(auditRepo, nil, nil),
		nil,
		nil,
	)
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	return &serviceEnv{svc: svc, audit: auditRepo, business: business, risk: riskKeys}
}

// sign computes both signatures over the request's canonical message.
func (e *serviceEnv) sign(req *ExecuteRequest, withRisk bool) {
	msg := CanonicalMessage(req.OperationID, string(req.OperationType), req.Table, req.Action, req.Timestamp, req.Module, req.Data, req.Conditions)
	req.BusinessSignature = hex.EncodeToString(ed25519.Sign(e.business.priv, msg))
	if withRisk {
		req.RiskSignature = hex.EncodeToString(ed25519.Sign(e.risk.priv, msg))
	}
}

func executeRequest(opID string) *ExecuteRequest {
	return &ExecuteRequest{
		OperationID:   opID,
		OperationType: domain.OperationTypeSensitive,
		Table:         "withdraws",
		Action:        "insert",
		Data: map[string]interface{}{
			"user_id":    "alice",
			"to_address": "0xdead",
			"token_id":   "usdt",
			"amount":     "15000",
			"chain_id":   "eth",
		},
		Timestamp: time.Now().Unix(),
		Module:    "exchange",
	}
}

func TestExecute_EndToEnd(t *testing.T) {
	ctx := context.Background()
	env := newServiceEnv(t)

	req := executeRequest("op-1")
	env.sign(req, true)

	result, err := env.svc.Execute(ctx, req, "10.0.0.1", "exchange/1.0")
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Withdraw == nil || result.Withdraw.Status != domain.WithdrawStatusPending {
		t.Fatalf("expected broadcast withdrawal, got %+v", result.Withdraw)
	}
	if result.AuditLogID == "" {
		t.Error("expected an audit log id")
	}

	entries := env.audit.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 audit entry, got %d", len(entries))
	}
	if entries[0].Result != domain.AuditResultSuccess {
		t.Errorf("expected success audit entry, got %s", entries[0].Result)
	}
}

func TestExecute_ReplayRejected(t *testing.T) {
	ctx := context.Background()
	env := newServiceEnv(t)

	req := executeRequest("op-1")
	env.sign(req, true)
	if _, err := env.svc.Execute(ctx, req, "10.0.0.1", "exchange/1.0"); err != nil {
		t.Fatalf("first Execute failed: %v", err)
	}

	// Same operation id, freshly signed.
	replay := executeRequest("op-1")
	env.sign(replay, true)
	_, err := env.svc.Execute(ctx, replay, "10.0.0.1", "exchange/1.0")
	if !errors.Is(err, ErrReplay) {
		t.Fatalf("expected ErrReplay, got %v", err)
	}
}

func TestExecute_MissingRiskSignatureRejected(t *testing.T) {
	ctx := context.Background()
	env := newServiceEnv(t)

	req := executeRequest("op-1")
	env.sign(req, false)

	_, err := env.svc.Execute(ctx, req, "10.0.0.1", "exchange/1.0")
	if !errors.Is(err, ErrMissingRiskSignature) {
		t.Fatalf("expected ErrMissingRiskSignature, got %v", err)
	}

	// The refused attempt still leaves an audit trail.
	entries := env.audit.Entries()
	if len(entries) != 1 || entries[0].Result != domain.AuditResultFailure {
		t.Fatalf("expected one failure audit entry, got %+v", entries)
	}
}

func TestExecute_UnsupportedTarget(t *testing.T) {
	ctx := context.Background()
	env := newServiceEnv(t)

	req := executeRequest("op-1")
	req.Table = "accounts"
	req.OperationType = domain.OperationTypeWrite
	env.sign(req, false)

	_, err := env.svc.Execute(ctx, req, "10.0.0.1", "exchange/1.0")
	if !errors.Is(err, ErrUnsupportedTarget) {
		t.Fatalf("expected ErrUnsupportedTarget, got %v", err)
	}
}

func TestExecute_MalformedData(t *testing.T) {
	ctx := context.Background()
	env := newServiceEnv(t)

	req := executeRequest("op-1")
	delete(req.Data, "amount")
	env.sign(req, true)

	_, err := env.svc.Execute(ctx, req, "10.0.0.1", "exchange/1.0")
	if !errors.Is(err, ErrBadRequest) {
		t.Fatalf("expected ErrBadRequest, got %v", err)
	}
}

func TestIsSensitive(t *testing.T) {
	env := newServiceEnv(t)

	declared := executeRequest("op-1")
	if !env.svc.IsSensitive(declared) {
		t.Error("declared sensitive request must take the sensitive path")
	}

	configured := executeRequest("op-2")
	configured.OperationType = domain.OperationTypeWrite
	if !env.svc.IsSensitive(configured) {
		t.Error("withdraws:insert is configured sensitive regardless of declared type")
	}

	plain := executeRequest("op-3")
	plain.OperationType = domain.OperationTypeWrite
	plain.Table = "accounts"
	if env.svc.IsSensitive(plain) {
		t.Error("plain write to another table is not sensitive")
	}
}
