package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vietddude/custody/internal/core/domain"
	"github.com/vietddude/custody/internal/infra/storage"
)

// OperationRepo implements storage.OperationRepository using PostgreSQL.
type OperationRepo struct {
	db *DB
}

// NewOperationRepo creates a new PostgreSQL operation record repository.
func NewOperationRepo(db *DB) *OperationRepo {
	return &OperationRepo{db: db}
}

// Record inserts the replay-protection token. The primary key on operation_id
// is the authoritative replay boundary.
func (r *OperationRepo) Record(ctx context.Context, rec *domain.OperationRecord) error {
	query := `
		INSERT INTO operation_records (operation_id, module, used_at, expires_at)
		VALUES ($1, $2, $3, $4)
	`
	_, err := r.db.ExecContext(ctx, query, rec.OperationID, rec.Module, rec.UsedAt, rec.ExpiresAt)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrOperationReplayed
		}
		return fmt.Errorf("failed to record operation: %w", err)
	}
	return nil
}

// Get retrieves an operation record.
func (r *OperationRepo) Get(ctx context.Context, operationID string) (*domain.OperationRecord, error) {
	query := `SELECT operation_id, module, used_at, expires_at FROM operation_records WHERE operation_id = $1`

	var rec domain.OperationRecord
	err := r.db.QueryRowxContext(ctx, query, operationID).
		Scan(&rec.OperationID, &rec.Module, &rec.UsedAt, &rec.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get operation record: %w", err)
	}
	return &rec, nil
}

// PurgeExpired deletes records whose expiry passed before the cutoff.
func (r *OperationRepo) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM operation_records WHERE expires_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to purge operation records: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RiskAssessmentRepo implements storage.RiskAssessmentRepository using PostgreSQL.
type RiskAssessmentRepo struct {
	db *DB
}

// NewRiskAssessmentRepo creates a new PostgreSQL risk assessment repository.
func NewRiskAssessmentRepo(db *DB) *RiskAssessmentRepo {
	return &RiskAssessmentRepo{db: db}
}

// Save upserts the assessment for an operation.
func (r *RiskAssessmentRepo) Save(ctx context.Context, a *domain.RiskAssessment) error {
	reasons, err := json.Marshal(a.Reasons)
	if err != nil {
		return fmt.Errorf("failed to marshal reasons: %w", err)
	}

	query := `
		INSERT INTO risk_assessments (
			operation_id, risk_score, risk_level, decision, reasons, required_approvals, created_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, NOW(), $7)
		ON CONFLICT (operation_id) DO UPDATE SET
			risk_score = EXCLUDED.risk_score,
			risk_level = EXCLUDED.risk_level,
			decision = EXCLUDED.decision,
			reasons = EXCLUDED.reasons,
			required_approvals = EXCLUDED.required_approvals,
			expires_at = EXCLUDED.expires_at
	`
	_, err = r.db.ExecContext(ctx, query,
		a.OperationID, a.RiskScore, string(a.RiskLevel), string(a.Decision),
		reasons, a.RequiredApprovals, a.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save risk assessment: %w", err)
	}
	return nil
}

// GetByOperationID retrieves the pending assessment for an operation.
func (r *RiskAssessmentRepo) GetByOperationID(ctx context.Context, operationID string) (*domain.RiskAssessment, error) {
	query := `
		SELECT operation_id, risk_score, risk_level, decision, reasons, required_approvals, created_at, expires_at
		FROM risk_assessments
		WHERE operation_id = $1
	`

	var a domain.RiskAssessment
	var level, decision string
	var reasons []byte
	err := r.db.QueryRowxContext(ctx, query, operationID).Scan(
		&a.OperationID, &a.RiskScore, &level, &decision, &reasons,
		&a.RequiredApprovals, &a.CreatedAt, &a.ExpiresAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get risk assessment: %w", err)
	}

	a.RiskLevel = domain.RiskLevel(level)
	a.Decision = domain.RiskDecision(decision)
	if len(reasons) > 0 {
		_ = json.Unmarshal(reasons, &a.Reasons)
	}
	return &a, nil
}

// Delete removes the assessment once its review concluded.
func (r *RiskAssessmentRepo) Delete(ctx context.Context, operationID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM risk_assessments WHERE operation_id = $1`, operationID)
	return err
}

// PurgeExpired deletes assessments whose expiry passed before the cutoff.
func (r *RiskAssessmentRepo) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM risk_assessments WHERE expires_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to purge risk assessments: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
