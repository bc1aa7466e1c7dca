package domain

import "time"

type WalletType string

const (
	WalletTypeHot  WalletType = "hot"
	WalletTypeCold WalletType = "cold"
)

// SigningWallet is a custodial signing address. Nonce is the authoritative
// next-nonce for the (Address, ChainID) pair and is mutated only through the
// nonce allocator's compare-and-swap.
type SigningWallet struct {
	ID          uint64     `json:"id"`
	Address     string     `json:"address"`
	Device      string     `json:"device"`
	Path        string     `json:"path"`
	ChainID     ChainID    `json:"chain_id"`
	ChainType   ChainType  `json:"chain_type"`
	WalletType  WalletType `json:"wallet_type"`
	Nonce       uint64     `json:"nonce"`
	NonceSynced bool       `json:"nonce_synced"`
	IsActive    bool       `json:"is_active"`
	LastUsedAt  time.Time  `json:"last_used_at"`
}
