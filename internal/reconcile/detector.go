package reconcile

import (
	"context"
	"fmt"

	"github.com/vietddude/custody/internal/core/domain"
	"github.com/vietddude/custody/internal/infra/storage"
)

// Detector checks for chain reorganizations with parent hash verification.
// Detection is free: the parent hash arrives with every fetched block, so no
// extra RPC calls are spent until a mismatch actually shows up.
type Detector struct {
	blocks   storage.BlockRepository
	maxDepth int
}

// ReorgInfo describes a detected reorganization.
type ReorgInfo struct {
	Depth     int
	FromBlock uint64 // first orphaned block
	SafeBlock uint64 // last block still on the canonical chain
	SafeHash  string
}

// NewDetector creates a reorg detector. maxDepth bounds the walk-back; 0 means
// the default of 100 blocks.
func NewDetector(blocks storage.BlockRepository, maxDepth int) *Detector {
	if maxDepth <= 0 {
		maxDepth = 100
	}
	return &Detector{blocks: blocks, maxDepth: maxDepth}
}

// CheckParentHash compares a new block's parent hash against the stored
// predecessor. A nil return means no reorg.
func (d *Detector) CheckParentHash(ctx context.Context, chainID domain.ChainID, newBlockNum uint64, parentHash string) (*ReorgInfo, error) {
	if newBlockNum == 0 {
		return nil, nil
	}

	stored, err := d.blocks.GetByNumber(ctx, chainID, newBlockNum-1)
	if err != nil {
		return nil, fmt.Errorf("failed to load block %d: %w", newBlockNum-1, err)
	}
	if stored == nil || stored.Hash == parentHash {
		return nil, nil
	}

	safeBlock, safeHash, depth, err := d.findSafePoint(ctx, chainID, newBlockNum-1)
	if err != nil {
		return nil, fmt.Errorf("failed to find safe point: %w", err)
	}
	return &ReorgInfo{
		Depth:     depth,
		FromBlock: safeBlock + 1,
		SafeBlock: safeBlock,
		SafeHash:  safeHash,
	}, nil
}

// findSafePoint walks backwards through stored blocks until two adjacent
// entries still link by hash. Uses only stored data.
func (d *Detector) findSafePoint(ctx context.Context, chainID domain.ChainID, fromBlock uint64) (uint64, string, int, error) {
	current := fromBlock
	depth := 1

	for current > 0 {
		block, err := d.blocks.GetByNumber(ctx, chainID, current)
		if err != nil {
			return 0, "", 0, fmt.Errorf("failed to load block %d: %w", current, err)
		}
		if block == nil {
			return current, "", depth, nil
		}

		parent, err := d.blocks.GetByNumber(ctx, chainID, current-1)
		if err != nil {
			return 0, "", 0, fmt.Errorf("failed to load block %d: %w", current-1, err)
		}
		if parent == nil {
			return current - 1, "", depth, nil
		}
		if block.ParentHash == parent.Hash {
			return parent.Number, parent.Hash, depth, nil
		}

		current--
		depth++
		if depth > d.maxDepth {
			return 0, "", 0, fmt.Errorf("reorg depth exceeds %d blocks", d.maxDepth)
		}
	}
	return 0, "", depth, nil
}
