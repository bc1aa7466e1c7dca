// Package types holds the wire structs shared between chain handlers, the
// withdrawal orchestrator and the external signer/fee-oracle clients.
package types

// FeeParams is a fee estimate from the external fee oracle.
type FeeParams struct {
	GasPrice        string `json:"gas_price,omitempty"`
	GasLimit        uint64 `json:"gas_limit,omitempty"`
	PriorityFee     string `json:"priority_fee,omitempty"`
	Fee             string `json:"fee"`
	CongestionLevel string `json:"congestion_level"`
}

// TxParams are the chain-level parameters of one outgoing transaction.
type TxParams struct {
	To           string `json:"to"`
	Value        string `json:"value"`
	TokenAddress string `json:"token_address,omitempty"`
	Nonce        uint64 `json:"nonce"`
	GasPrice     string `json:"gas_price,omitempty"`
	GasLimit     uint64 `json:"gas_limit,omitempty"`
	Data         string `json:"data,omitempty"`
}

// DualSignatures carries the two attestations a sensitive operation needs
// before the signer will touch a key.
type DualSignatures struct {
	Business string `json:"business_signature"`
	Risk     string `json:"risk_signature"`
}

// SignRequest is the payload sent to the external signer.
type SignRequest struct {
	Address        string         `json:"address"`
	To             string         `json:"to"`
	Amount         string         `json:"amount"`
	TokenAddress   string         `json:"token_address,omitempty"`
	Nonce          uint64         `json:"nonce"`
	ChainID        string         `json:"chain_id"`
	FeeParams      FeeParams      `json:"fee_params"`
	DualSignatures DualSignatures `json:"dual_signatures"`
}

// SignResponse is the signer's reply.
type SignResponse struct {
	SignedTransaction string `json:"signed_transaction"`
	TransactionHash   string `json:"transaction_hash"`
}
