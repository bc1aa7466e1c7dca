package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/custody/internal/core/domain"
	redisclient "github.com/vietddude/custody/internal/infra/redis"
	"github.com/vietddude/custody/internal/infra/storage"
	"github.com/vietddude/custody/internal/metrics"
)

// AuditLogger writes the immutable audit trail. A failed write is treated as
// fatal for observability: the entry goes to the redis dead-letter queue and
// the failure metric fires, because the mutation it describes has already
// happened and must not be silently unaccounted.
type AuditLogger struct {
	repo  storage.AuditRepository
	cache *redisclient.Client // may be nil
	log   *slog.Logger
}

// NewAuditLogger creates an audit logger.
func NewAuditLogger(repo storage.AuditRepository, cache *redisclient.Client, log *slog.Logger) *AuditLogger {
	if log == nil {
		log = slog.Default()
	}
	return &AuditLogger{repo: repo, cache: cache, log: log}
}

// Record persists one audit entry and returns its id.
func (a *AuditLogger) Record(ctx context.Context, entry *domain.AuditEntry) string {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	if err := a.repo.Append(ctx, entry); err != nil {
		metrics.AuditWriteFailures.Inc()
		a.log.Error("FATAL: audit write failed",
			"audit_id", entry.ID, "operation_id", entry.OperationID, "error", err)
		if a.cache != nil {
			if qerr := a.cache.QueueAuditFailure(ctx, entry); qerr != nil {
				a.log.Error("audit dead-letter enqueue failed", "audit_id", entry.ID, "error", qerr)
			}
		}
	}
	return entry.ID
}
