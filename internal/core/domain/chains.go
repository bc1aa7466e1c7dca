package domain

type ChainID string
type ChainType string

const (
	// Chain IDs
	ChainIDEthereum ChainID = "1"
	ChainIDPolygon  ChainID = "137"
	ChainIDSolana   ChainID = "solana-mainnet"

	// Chain families (dispatch key for handlers)
	ChainTypeEVM    ChainType = "evm"
	ChainTypeSolana ChainType = "solana"
)

// ChainIDToType maps known chain IDs to their handler family.
var ChainIDToType = map[ChainID]ChainType{
	ChainIDEthereum: ChainTypeEVM,
	ChainIDPolygon:  ChainTypeEVM,
	ChainIDSolana:   ChainTypeSolana,
}
