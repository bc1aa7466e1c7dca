package domain

type BlockStatus string

const (
	BlockStatusPending   BlockStatus = "pending"
	BlockStatusProcessed BlockStatus = "processed"
	BlockStatusOrphaned  BlockStatus = "orphaned"
)

// Block is a tracked chain block. The reconciler uses stored parent hashes to
// detect reorganizations and block numbers to measure confirmation depth.
type Block struct {
	ChainID    ChainID
	Number     uint64
	Hash       string
	ParentHash string
	Timestamp  uint64
	Status     BlockStatus
}
