package solana

import (
	"context"
	"fmt"

	"github.com/vietddude/custody/internal/core/domain"
	"github.com/vietddude/custody/internal/infra/chain/types"
	"github.com/vietddude/custody/internal/infra/rpc"
)

// Handler drives withdrawals on Solana via JSON-RPC. Solana orders
// transactions by recent blockhash rather than an account nonce, so the
// allocator's counter only serializes wallet use; the chain always reports 0.
type Handler struct {
	chainID domain.ChainID
	client  *rpc.Client
}

// NewHandler creates a Solana chain handler.
func NewHandler(chainID domain.ChainID, client *rpc.Client) *Handler {
	return &Handler{chainID: chainID, client: client}
}

func (h *Handler) ChainID() domain.ChainID { return h.chainID }

func (h *Handler) ChainType() domain.ChainType { return domain.ChainTypeSolana }

func (h *Handler) PendingNonce(ctx context.Context, address string) (uint64, error) {
	return 0, nil
}

// PrepareParams resolves a fresh blockhash into the transaction parameters.
func (h *Handler) PrepareParams(ctx context.Context, w *domain.Withdraw, fee types.FeeParams) (*types.TxParams, error) {
	var result struct {
		Value struct {
			Blockhash string `json:"blockhash"`
		} `json:"value"`
	}
	if err := h.client.Call(ctx, "getLatestBlockhash", []any{map[string]string{"commitment": "finalized"}}, &result); err != nil {
		return nil, err
	}

	params := &types.TxParams{
		To:    w.ToAddress,
		Value: w.Amount,
		Nonce: w.Nonce,
		Data:  result.Value.Blockhash,
	}
	if w.TokenID != "" && w.TokenID != "native" {
		params.TokenAddress = w.TokenID
		params.Value = "0"
	}
	return params, nil
}

func (h *Handler) BuildSignRequest(w *domain.Withdraw, params *types.TxParams, sigs types.DualSignatures) *types.SignRequest {
	return &types.SignRequest{
		Address:      w.FromAddress,
		To:           params.To,
		Amount:       w.Amount,
		TokenAddress: params.TokenAddress,
		Nonce:        params.Nonce,
		ChainID:      string(h.chainID),
		FeeParams: types.FeeParams{
			PriorityFee: "0",
		},
		DualSignatures: sigs,
	}
}

// Broadcast submits the base64-encoded signed transaction.
func (h *Handler) Broadcast(ctx context.Context, signedTx string) (string, error) {
	var signature string
	params := []any{signedTx, map[string]string{"encoding": "base64"}}
	if err := h.client.Call(ctx, "sendTransaction", params, &signature); err != nil {
		return "", err
	}
	if signature == "" {
		return "", fmt.Errorf("node returned empty signature")
	}
	return signature, nil
}

func (h *Handler) PostBroadcast(ctx context.Context, txHash string) error {
	return nil
}

// TxBlockNumber reports the slot that included a transaction signature.
func (h *Handler) TxBlockNumber(ctx context.Context, txHash string) (uint64, bool, error) {
	var result struct {
		Value []*struct {
			Slot uint64 `json:"slot"`
		} `json:"value"`
	}
	params := []any{[]string{txHash}, map[string]bool{"searchTransactionHistory": true}}
	if err := h.client.Call(ctx, "getSignatureStatuses", params, &result); err != nil {
		return 0, false, err
	}
	if len(result.Value) == 0 || result.Value[0] == nil {
		return 0, false, nil
	}
	return result.Value[0].Slot, true, nil
}

// GetLatestBlock returns the current finalized slot.
func (h *Handler) GetLatestBlock(ctx context.Context) (uint64, error) {
	var slot uint64
	if err := h.client.Call(ctx, "getSlot", []any{map[string]string{"commitment": "finalized"}}, &slot); err != nil {
		return 0, err
	}
	return slot, nil
}

// GetBlock fetches a slot's block header.
func (h *Handler) GetBlock(ctx context.Context, blockNumber uint64) (*domain.Block, error) {
	var raw *struct {
		Blockhash         string `json:"blockhash"`
		PreviousBlockhash string `json:"previousBlockhash"`
		BlockTime         int64  `json:"blockTime"`
	}
	params := []any{blockNumber, map[string]any{"transactionDetails": "none", "rewards": false}}
	if err := h.client.Call(ctx, "getBlock", params, &raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil // Skipped or future slot
	}

	return &domain.Block{
		ChainID:    h.chainID,
		Number:     blockNumber,
		Hash:       raw.Blockhash,
		ParentHash: raw.PreviousBlockhash,
		Timestamp:  uint64(raw.BlockTime),
		Status:     domain.BlockStatusProcessed,
	}, nil
}
