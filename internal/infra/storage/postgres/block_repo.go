package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/vietddude/custody/internal/core/domain"
)

// BlockRepo implements storage.BlockRepository using PostgreSQL.
type BlockRepo struct {
	db *DB
}

// NewBlockRepo creates a new PostgreSQL block repository.
func NewBlockRepo(db *DB) *BlockRepo {
	return &BlockRepo{db: db}
}

type blockRow struct {
	ChainID    string `db:"chain_id"`
	Number     uint64 `db:"block_number"`
	Hash       string `db:"block_hash"`
	ParentHash string `db:"parent_hash"`
	Timestamp  uint64 `db:"block_timestamp"`
	Status     string `db:"status"`
}

func (b *blockRow) toDomain() *domain.Block {
	return &domain.Block{
		ChainID:    domain.ChainID(b.ChainID),
		Number:     b.Number,
		Hash:       b.Hash,
		ParentHash: b.ParentHash,
		Timestamp:  b.Timestamp,
		Status:     domain.BlockStatus(b.Status),
	}
}

// Save upserts a block.
func (r *BlockRepo) Save(ctx context.Context, block *domain.Block) error {
	query := `
		INSERT INTO blocks (chain_id, block_number, block_hash, parent_hash, block_timestamp, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (chain_id, block_number) DO UPDATE SET
			block_hash = EXCLUDED.block_hash,
			parent_hash = EXCLUDED.parent_hash,
			status = EXCLUDED.status
	`
	_, err := r.db.ExecContext(ctx, query,
		string(block.ChainID), block.Number, block.Hash, block.ParentHash,
		block.Timestamp, string(block.Status),
	)
	if err != nil {
		return fmt.Errorf("failed to save block: %w", err)
	}
	return nil
}

// GetByNumber retrieves a block by number.
func (r *BlockRepo) GetByNumber(ctx context.Context, chainID domain.ChainID, blockNumber uint64) (*domain.Block, error) {
	query := `
		SELECT chain_id, block_number, block_hash, parent_hash, block_timestamp, status
		FROM blocks
		WHERE chain_id = $1 AND block_number = $2
	`

	var row blockRow
	err := r.db.GetContext(ctx, &row, query, string(chainID), blockNumber)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get block: %w", err)
	}
	return row.toDomain(), nil
}

// GetLatest retrieves the highest tracked block.
func (r *BlockRepo) GetLatest(ctx context.Context, chainID domain.ChainID) (*domain.Block, error) {
	query := `
		SELECT chain_id, block_number, block_hash, parent_hash, block_timestamp, status
		FROM blocks
		WHERE chain_id = $1
		ORDER BY block_number DESC
		LIMIT 1
	`

	var row blockRow
	err := r.db.GetContext(ctx, &row, query, string(chainID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest block: %w", err)
	}
	return row.toDomain(), nil
}

// UpdateStatus updates block status.
func (r *BlockRepo) UpdateStatus(ctx context.Context, chainID domain.ChainID, blockNumber uint64, status domain.BlockStatus) error {
	query := `UPDATE blocks SET status = $1 WHERE chain_id = $2 AND block_number = $3`
	_, err := r.db.ExecContext(ctx, query, string(status), string(chainID), blockNumber)
	return err
}

// DeleteRange deletes blocks in [from, to].
func (r *BlockRepo) DeleteRange(ctx context.Context, chainID domain.ChainID, from, to uint64) error {
	query := `DELETE FROM blocks WHERE chain_id = $1 AND block_number BETWEEN $2 AND $3`
	_, err := r.db.ExecContext(ctx, query, string(chainID), from, to)
	return err
}
