package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/vietddude/custody/internal/core/domain"
)

// AuditRepo implements storage.AuditRepository using PostgreSQL. Rows are
// insert-only; there are no update or delete paths.
type AuditRepo struct {
	db *DB
}

// NewAuditRepo creates a new PostgreSQL audit log repository.
func NewAuditRepo(db *DB) *AuditRepo {
	return &AuditRepo{db: db}
}

// Append writes one audit entry.
func (r *AuditRepo) Append(ctx context.Context, e *domain.AuditEntry) error {
	before, err := json.Marshal(e.DataBefore)
	if err != nil {
		return fmt.Errorf("failed to marshal data_before: %w", err)
	}
	after, err := json.Marshal(e.DataAfter)
	if err != nil {
		return fmt.Errorf("failed to marshal data_after: %w", err)
	}

	query := `
		INSERT INTO audit_logs (
			id, operation_id, table_name, action, module, data_before, data_after,
			business_key, risk_key, ip, user_agent, result, error_message, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW())
	`
	_, err = r.db.ExecContext(ctx, query,
		e.ID, e.OperationID, e.Table, e.Action, e.Module, before, after,
		e.BusinessKey, e.RiskKey, e.IP, e.UserAgent, string(e.Result), e.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}
