package evm

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/vietddude/custody/internal/core/domain"
	"github.com/vietddude/custody/internal/infra/chain/types"
	"github.com/vietddude/custody/internal/infra/rpc"
)

// Handler drives withdrawals on EVM chains via JSON-RPC.
type Handler struct {
	chainID domain.ChainID
	client  *rpc.Client
}

// NewHandler creates an EVM chain handler.
func NewHandler(chainID domain.ChainID, client *rpc.Client) *Handler {
	return &Handler{chainID: chainID, client: client}
}

func (h *Handler) ChainID() domain.ChainID { return h.chainID }

func (h *Handler) ChainType() domain.ChainType { return domain.ChainTypeEVM }

func parseHex(s string) (uint64, error) {
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		return 0, fmt.Errorf("empty hex string")
	}
	return strconv.ParseUint(s, 16, 64)
}

// PendingNonce returns the account's pending transaction count.
func (h *Handler) PendingNonce(ctx context.Context, address string) (uint64, error) {
	var hex string
	if err := h.client.Call(ctx, "eth_getTransactionCount", []any{address, "pending"}, &hex); err != nil {
		return 0, err
	}
	return parseHex(hex)
}

// PrepareParams fills in transaction parameters from the withdraw and fee
// estimate. Token transfers move value through the contract, so the native
// value field stays zero.
func (h *Handler) PrepareParams(ctx context.Context, w *domain.Withdraw, fee types.FeeParams) (*types.TxParams, error) {
	params := &types.TxParams{
		To:       w.ToAddress,
		Value:    w.Amount,
		Nonce:    w.Nonce,
		GasPrice: fee.GasPrice,
		GasLimit: fee.GasLimit,
	}
	if w.TokenID != "" && !strings.EqualFold(w.TokenID, "native") {
		params.TokenAddress = w.TokenID
		params.Value = "0"
	}
	if params.GasLimit == 0 {
		params.GasLimit = 21000
	}
	return params, nil
}

// BuildSignRequest assembles the signer payload.
func (h *Handler) BuildSignRequest(w *domain.Withdraw, params *types.TxParams, sigs types.DualSignatures) *types.SignRequest {
	return &types.SignRequest{
		Address:      w.FromAddress,
		To:           params.To,
		Amount:       w.Amount,
		TokenAddress: params.TokenAddress,
		Nonce:        params.Nonce,
		ChainID:      string(h.chainID),
		FeeParams: types.FeeParams{
			GasPrice: params.GasPrice,
			GasLimit: params.GasLimit,
		},
		DualSignatures: sigs,
	}
}

// Broadcast submits the raw signed transaction.
func (h *Handler) Broadcast(ctx context.Context, signedTx string) (string, error) {
	var txHash string
	if err := h.client.Call(ctx, "eth_sendRawTransaction", []any{signedTx}, &txHash); err != nil {
		return "", err
	}
	if txHash == "" {
		return "", fmt.Errorf("node returned empty tx hash")
	}
	return txHash, nil
}

// PostBroadcast is a no-op on EVM; receipts are observed by the reconciler.
func (h *Handler) PostBroadcast(ctx context.Context, txHash string) error {
	return nil
}

// TxBlockNumber reports the block that included a transaction via its receipt.
// A transaction dropped by a reorg has no receipt and reports found=false.
func (h *Handler) TxBlockNumber(ctx context.Context, txHash string) (uint64, bool, error) {
	var receipt *struct {
		BlockNumber string `json:"blockNumber"`
	}
	if err := h.client.Call(ctx, "eth_getTransactionReceipt", []any{txHash}, &receipt); err != nil {
		return 0, false, err
	}
	if receipt == nil || receipt.BlockNumber == "" {
		return 0, false, nil
	}
	n, err := parseHex(receipt.BlockNumber)
	if err != nil {
		return 0, false, fmt.Errorf("invalid receipt block number: %w", err)
	}
	return n, true, nil
}

// GetLatestBlock returns the chain tip number.
func (h *Handler) GetLatestBlock(ctx context.Context) (uint64, error) {
	var hex string
	if err := h.client.Call(ctx, "eth_blockNumber", nil, &hex); err != nil {
		return 0, err
	}
	return parseHex(hex)
}

type rpcBlock struct {
	Number     string `json:"number"`
	Hash       string `json:"hash"`
	ParentHash string `json:"parentHash"`
	Timestamp  string `json:"timestamp"`
}

// GetBlock fetches a block header by number.
func (h *Handler) GetBlock(ctx context.Context, blockNumber uint64) (*domain.Block, error) {
	var raw *rpcBlock
	numberHex := fmt.Sprintf("0x%x", blockNumber)
	if err := h.client.Call(ctx, "eth_getBlockByNumber", []any{numberHex, false}, &raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil // Not produced yet
	}

	number, err := parseHex(raw.Number)
	if err != nil {
		return nil, fmt.Errorf("invalid block number: %w", err)
	}
	timestamp, _ := parseHex(raw.Timestamp)

	return &domain.Block{
		ChainID:    h.chainID,
		Number:     number,
		Hash:       raw.Hash,
		ParentHash: raw.ParentHash,
		Timestamp:  timestamp,
		Status:     domain.BlockStatusProcessed,
	}, nil
}
