package chain

import (
	"context"
	"fmt"
	"time"

	"github.com/vietddude/custody/internal/core/domain"
	"github.com/vietddude/custody/internal/infra/chain/evm"
	"github.com/vietddude/custody/internal/infra/chain/solana"
	"github.com/vietddude/custody/internal/infra/chain/types"
	"github.com/vietddude/custody/internal/infra/rpc"
)

// Handler is the chain-level execution boundary for withdrawals. One
// implementation exists per chain family (EVM, Solana); the orchestrator
// never branches on chain type itself.
type Handler interface {
	ChainID() domain.ChainID
	ChainType() domain.ChainType

	// PendingNonce queries the live chain nonce for an address
	PendingNonce(ctx context.Context, address string) (uint64, error)

	// PrepareParams turns a withdraw plus fee estimate into transaction parameters
	PrepareParams(ctx context.Context, w *domain.Withdraw, fee types.FeeParams) (*types.TxParams, error)

	// BuildSignRequest assembles the external signer payload
	BuildSignRequest(w *domain.Withdraw, params *types.TxParams, sigs types.DualSignatures) *types.SignRequest

	// Broadcast submits a signed transaction, returning the tx hash
	Broadcast(ctx context.Context, signedTx string) (string, error)

	// PostBroadcast runs any chain-specific follow-up after submission
	PostBroadcast(ctx context.Context, txHash string) error

	// TxBlockNumber reports the block that included a transaction, with
	// found=false while it is absent from the canonical chain
	TxBlockNumber(ctx context.Context, txHash string) (blockNumber uint64, found bool, err error)

	// GetLatestBlock returns the current chain tip number
	GetLatestBlock(ctx context.Context) (uint64, error)

	// GetBlock fetches a block header by number
	GetBlock(ctx context.Context, blockNumber uint64) (*domain.Block, error)
}

// New builds the handler for a chain config entry, keyed on chain type.
func New(chainID domain.ChainID, chainType domain.ChainType, rpcURL string, timeout time.Duration) (Handler, error) {
	client := rpc.NewClient(rpcURL, timeout)
	switch chainType {
	case domain.ChainTypeEVM:
		return evm.NewHandler(chainID, client), nil
	case domain.ChainTypeSolana:
		return solana.NewHandler(chainID, client), nil
	default:
		return nil, fmt.Errorf("unsupported chain type %q", chainType)
	}
}
