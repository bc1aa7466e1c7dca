package worker

import (
	"context"
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

const sweepChain = domain.ChainID("eth")

type sweepChainStub struct {
	broadcasts int
}

func (c *sweepChainStub) ChainID() domain.ChainID { return sweepChain }

func (c *sweepChainStub) ChainType() domain.ChainType { return domain.ChainTypeEVM }

func (c *sweepChainStub) PendingNonce(ctx context.Context, address string) (uint64, error) {
	return 0, nil
}

func (c *sweepChainStub) PrepareParams(ctx context.Context, w *domain.Withdraw, fee types.FeeParams) (*types.TxParams, error) {
	return &types.TxParams{
		To:       w.ToAddress,
		Value:    w.Amount,
		Nonce:    w.Nonce,
		GasPrice: fee.GasPrice,
		GasLimit: fee.GasLimit,
	}, nil
}

func (c *sweepChainStub) BuildSignRequest(w *domain.Withdraw, params *types.TxParams, sigs types.DualSignatures) *types.SignRequest {
	return &types.SignRequest{
		Address: w.FromAddress,
		To:      params.To,
		Amount:  params.Value,
		Nonce:   params.Nonce,
		ChainID: string(w.ChainID),
	}
}

func (c *sweepChainStub) Broadcast(ctx context.Context, signedTx string) (string, error) {
	c.broadcasts++
	return fmt.Sprintf("0xtx%d", c.broadcasts), nil
}

func (c *sweepChainStub) PostBroadcast(ctx context.Context, txHash string) error { return nil }

func (c *sweepChainStub) TxBlockNumber(ctx context.Context, txHash string) (uint64, bool, error) {
	return 0, false, nil
}

func (c *sweepChainStub) GetLatestBlock(ctx context.Context) (uint64, error) { return 0, nil }

func (c *sweepChainStub) GetBlock(ctx context.Context, blockNumber uint64) (*domain.Block, error) {
	return &domain.Block{ChainID: sweepChain, Number: blockNumber}, nil
}

type sweepSignerStub struct{}

func (s *sweepSignerStub) SignTransaction(ctx context.Context, req *types.SignRequest) (*types.SignResponse, error) {
	return &types.SignResponse{
		SignedTransaction: fmt.Sprintf("0xsigned%d", req.Nonce),
		TransactionHash:   fmt.Sprintf("0xhash%d", req.Nonce),
	}, nil
}

func (s *sweepSignerStub) CreateWallet(ctx context.Context, chainType domain.ChainType) (*withdrawal.WalletInfo, error) {
	return nil, errors.New("not implemented")
}

type sweepOracleStub struct{}

func (o *sweepOracleStub) EstimateFee(ctx context.Context, chainID domain.ChainID, transferKind string) (*types.FeeParams, error) {
	return &types.FeeParams{GasPrice: "20000000000", GasLimit: 21000, Fee: "420000000000000"}, nil
}

func TestSweep_RedrivesParkedSigning(t *testing.T) {
	ctx := context.Background()
	store := memory.NewMemoryStorage()
	credits := memory.NewCreditRepo(store)
	withdraws := memory.NewWithdrawRepo(store)
	assessments := memory.NewRiskAssessmentRepo(store)
	operations := memory.NewOperationRepo(store)
	wallets := memory.NewWalletRepo(store)

	err := wallets.Create(ctx, &domain.SigningWallet{
		Address:     "0xhot1",
		ChainID:     sweepChain,
		ChainType:   domain.ChainTypeEVM,
		WalletType:  domain.WalletTypeHot,
		Nonce:       3,
		NonceSynced: true,
		IsActive:    true,
	})
	if err != nil {
		t.Fatalf("failed to seed wallet: %v", err)
	}

	orch := withdrawal.NewOrchestrator(
		memory.NewTxStore(store),
		withdraws,
		credits,
		assessments,
		ledger.NewStore(credits, nil),
		risk.NewEngine(nil, time.Hour, nil),
		nonce.NewAllocator(wallets, nil, nil),
		&sweepSignerStub{},
		&sweepOracleStub{},
		map[domain.ChainID]chain.Handler{sweepChain: &sweepChainStub{}},
		withdrawal.Config{},
		nil,
	)

	// A reorg dropped this withdrawal's transaction and the reconciler reset
	// it to signing. The sweep must pick it up without a process restart.
	w := &domain.Withdraw{
		ID:          "wd-reorged",
		UserID:      "alice",
		OperationID: "op-1",
		ToAddress:   "0xdead",
		TokenID:     "usdt",
		Amount:      "15000",
		ChainID:     sweepChain,
		ChainType:   domain.ChainTypeEVM,
		FromAddress: "0xhot1",
		Status:      domain.WithdrawStatusSigning,
	}
	if err := withdraws.Create(ctx, w); err != nil {
		t.Fatalf("failed to seed withdraw: %v", err)
	}
	if err := credits.Append(ctx, &domain.Credit{
		UserID: "alice", TokenID: "usdt", Amount: "-15000",
		CreditType: domain.CreditTypeWithdraw, ReferenceID: w.ID,
		ReferenceType: "withdraw", Status: domain.CreditStatusPending,
	}); err != nil {
		t.Fatalf("failed to seed debit: %v", err)
	}

	e := NewExpirer(ExpirerConfig{}, orch, operations, assessments, nil)
	e.sweep(ctx)

	stored, _ := withdraws.GetByID(ctx, w.ID)
	if stored.Status != domain.WithdrawStatusPending {
		t.Errorf("expected pending after sweep, got %s", stored.Status)
	}
	if stored.TxHash == "" {
		t.Error("expected a tx hash after sweep")
	}
}
