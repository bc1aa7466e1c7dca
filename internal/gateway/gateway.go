// Package gateway is the trust boundary in front of the custody services.
// Every mutating request must arrive signed by a registered module; sensitive
// operations additionally need a risk attestation and pass through the risk
// engine before any funds move. Replay protection is anchored on the unique
// operation_id constraint in storage, with redis as a fast-path accelerator.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/vietddude/custody/internal/core/domain"
	redisclient "github.com/vietddude/custody/internal/infra/redis"
	"github.com/vietddude/custody/internal/infra/storage"
	"github.com/vietddude/custody/internal/metrics"
	"github.com/vietddude/custody/internal/withdrawal"
)

var (
	// ErrReplay is returned when an operation id has already been executed.
	ErrReplay = errors.New("operation already executed")

	// ErrUnsupportedTarget is returned for a table/action pair the gateway
	// does not route.
	ErrUnsupportedTarget = errors.New("unsupported table/action")

	// ErrBadRequest is returned when the request data cannot be parsed.
	ErrBadRequest = errors.New("malformed request data")
)

// ExecuteRequest is the signed envelope for one gateway operation.
type ExecuteRequest struct {
	OperationID       string                 `json:"operation_id" binding:"required"`
	OperationType     domain.OperationType   `json:"operation_type" binding:"required"`
	Table             string                 `json:"table" binding:"required"`
	Action            string                 `json:"action" binding:"required"`
	Data              map[string]interface{} `json:"data,omitempty"`
	Conditions        map[string]interface{} `json:"conditions,omitempty"`
	BusinessSignature string                 `json:"business_signature" binding:"required"`
	RiskSignature     string                 `json:"risk_signature,omitempty"`
	Timestamp         int64                  `json:"timestamp" binding:"required"`
	Module            string                 `json:"module" binding:"required"`
}

// ReviewCallbackRequest is the signed out-of-band manual review decision.
type ReviewCallbackRequest struct {
	OperationID string `json:"operation_id" binding:"required"`
	Decision    string `json:"decision" binding:"required"` // approved | rejected
	Reviewer    string `json:"reviewer" binding:"required"`
	Signature   string `json:"signature" binding:"required"`
	Timestamp   int64  `json:"timestamp" binding:"required"`
	Module      string `json:"module" binding:"required"`
}

// ExecuteResult is the outcome of a routed operation.
type ExecuteResult struct {
	Withdraw   *domain.Withdraw
	Assessment *domain.RiskAssessment
	AuditLogID string
}

// Config holds gateway tunables.
type Config struct {
	Keys []KeyConfig `yaml:"keys"`

	// SensitiveActions lists table:action pairs that require the full
	// sensitive path regardless of the declared operation type.
	SensitiveActions []string `yaml:"sensitive_actions"`

	// OperationTTL bounds how long replay-protection records are kept.
	OperationTTL time.Duration `yaml:"operation_ttl"`
}

// Service authenticates, deduplicates and routes gateway operations.
type Service struct {
	verifier   *Verifier
	operations storage.OperationRepository
	orch       *withdrawal.Orchestrator
	audit      *AuditLogger
	cache      *redisclient.Client // may be nil
	sensitive  map[string]bool
	opTTL      time.Duration
	log        *slog.Logger
}

// NewService creates the gateway service.
func NewService(
	cfg Config,
	operations storage.OperationRepository,
	orch *withdrawal.Orchestrator,
	audit *AuditLogger,
	cache *redisclient.Client,
	log *slog.Logger,
) (*Service, error) {
	verifier, err := NewVerifier(cfg.Keys)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	opTTL := cfg.OperationTTL
	if opTTL <= 0 {
		opTTL = 24 * time.Hour
	}

	sensitive := make(map[string]bool, len(cfg.SensitiveActions))
	for _, s := range cfg.SensitiveActions {
		sensitive[s] = true
	}

	return &Service{
		verifier:   verifier,
		operations: operations,
		orch:       orch,
		audit:      audit,
		cache:      cache,
		sensitive:  sensitive,
		opTTL:      opTTL,
		log:        log,
	}, nil
}

// IsSensitive reports whether a request takes the sensitive path: either the
// caller declared it, or the table/action pair is on the configured list.
func (s *Service) IsSensitive(req *ExecuteRequest) bool {
	return req.OperationType == domain.OperationTypeSensitive ||
		s.sensitive[req.Table+":"+req.Action]
}

// Execute runs one signed operation end to end: authentication, replay
// protection, routing and audit.
func (s *Service) Execute(ctx context.Context, req *ExecuteRequest, clientIP, userAgent string) (*ExecuteResult, error) {
	sensitive := s.IsSensitive(req)

	if err := s.verifier.Verify(req, sensitive, time.Now()); err != nil {
		metrics.AuthFailures.WithLabelValues(authFailureReason(err)).Inc()
		auditID := s.recordAudit(ctx, req, clientIP, userAgent, domain.AuditResultFailure, err.Error())
		s.log.Warn("request rejected at trust boundary",
			"operation_id", req.OperationID, "module", req.Module, "audit_id", auditID, "error", err)
		return &ExecuteResult{AuditLogID: auditID}, err
	}

	if err := s.guardReplay(ctx, req); err != nil {
		auditID := s.recordAudit(ctx, req, clientIP, userAgent, domain.AuditResultFailure, err.Error())
		return &ExecuteResult{AuditLogID: auditID}, err
	}

	result, err := s.route(ctx, req)
	outcome := domain.AuditResultSuccess
	errMsg := ""
	if err != nil {
		outcome = domain.AuditResultFailure
		errMsg = err.Error()
	}
	result.AuditLogID = s.recordAudit(ctx, req, clientIP, userAgent, outcome, errMsg)
	return result, err
}

// guardReplay enforces exactly-once execution per operation id. The redis
// fast path short-circuits obvious duplicates; the database unique insert is
// the authority.
func (s *Service) guardReplay(ctx context.Context, req *ExecuteRequest) error {
	if s.cache != nil {
		fresh, err := s.cache.MarkOperation(ctx, req.OperationID, s.opTTL)
		if err != nil {
			s.log.Debug("replay fast path unavailable", "error", err)
		} else if !fresh {
			metrics.ReplayRejections.Inc()
			return fmt.Errorf("%w: %s", ErrReplay, req.OperationID)
		}
	}

	rec := &domain.OperationRecord{
		OperationID: req.OperationID,
		Module:      req.Module,
		UsedAt:      time.Now(),
		ExpiresAt:   time.Now().Add(s.opTTL),
	}
	if err := s.operations.Record(ctx, rec); err != nil {
		if errors.Is(err, storage.ErrOperationReplayed) {
			metrics.ReplayRejections.Inc()
			return fmt.Errorf("%w: %s", ErrReplay, req.OperationID)
		}
		if s.cache != nil {
			// The fast-path mark must not outlive a failed authoritative
			// insert, or a legitimate retry would be bounced.
			if ferr := s.cache.ForgetOperation(ctx, req.OperationID); ferr != nil {
				s.log.Warn("failed to clear operation fast path", "operation_id", req.OperationID, "error", ferr)
			}
		}
		return fmt.Errorf("failed to record operation: %w", err)
	}
	return nil
}

func (s *Service) route(ctx context.Context, req *ExecuteRequest) (*ExecuteResult, error) {
	switch {
	case req.Table == "withdraws" && req.Action == "insert":
		wreq, err := s.parseWithdrawRequest(req)
		if err != nil {
			return &ExecuteResult{}, err
		}
		w, assessment, err := s.orch.Submit(ctx, wreq)
		return &ExecuteResult{Withdraw: w, Assessment: assessment}, err
	default:
		return &ExecuteResult{}, fmt.Errorf("%w: %s %s", ErrUnsupportedTarget, req.Action, req.Table)
	}
}

// HandleReviewCallback applies a signed manual-review decision.
func (s *Service) HandleReviewCallback(ctx context.Context, req *ReviewCallbackRequest, clientIP, userAgent string) (*domain.Withdraw, error) {
	if err := s.verifier.VerifyCallback(req, time.Now()); err != nil {
		metrics.AuthFailures.WithLabelValues(authFailureReason(err)).Inc()
		s.log.Warn("review callback rejected",
			"operation_id", req.OperationID, "module", req.Module, "error", err)
		return nil, err
	}

	approved := req.Decision == "approved"
	w, err := s.orch.HandleReviewCallback(ctx, req.OperationID, approved, req.Reviewer)

	outcome := domain.AuditResultSuccess
	errMsg := ""
	if err != nil {
		outcome = domain.AuditResultFailure
		errMsg = err.Error()
	}
	s.audit.Record(ctx, &domain.AuditEntry{
		OperationID:  req.OperationID,
		Table:        "withdraws",
		Action:       "review_" + req.Decision,
		Module:       req.Module,
		RiskKey:      req.Reviewer,
		IP:           clientIP,
		UserAgent:    userAgent,
		Result:       outcome,
		ErrorMessage: errMsg,
	})
	return w, err
}

func (s *Service) parseWithdrawRequest(req *ExecuteRequest) (*withdrawal.Request, error) {
	userID, err := dataString(req.Data, "user_id")
	if err != nil {
		return nil, err
	}
	toAddress, err := dataString(req.Data, "to_address")
	if err != nil {
		return nil, err
	}
	tokenID, err := dataString(req.Data, "token_id")
	if err != nil {
		return nil, err
	}
	amount, err := dataString(req.Data, "amount")
	if err != nil {
		return nil, err
	}
	chainID, err := dataString(req.Data, "chain_id")
	if err != nil {
		return nil, err
	}
	return &withdrawal.Request{
		OperationID:       req.OperationID,
		UserID:            userID,
		ToAddress:         toAddress,
		TokenID:           tokenID,
		Amount:            amount,
		ChainID:           domain.ChainID(chainID),
		BusinessSignature: req.BusinessSignature,
		RiskSignature:     req.RiskSignature,
	}, nil
}

func dataString(data map[string]interface{}, key string) (string, error) {
	v, ok := data[key]
	if !ok {
		return "", fmt.Errorf("%w: missing %s", ErrBadRequest, key)
	}
	switch t := v.(type) {
	case string:
		return t, nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	default:
		return "", fmt.Errorf("%w: %s has unexpected type", ErrBadRequest, key)
	}
}

func (s *Service) recordAudit(ctx context.Context, req *ExecuteRequest, ip, userAgent string, result domain.AuditResult, errMsg string) string {
	return s.audit.Record(ctx, &domain.AuditEntry{
		OperationID:  req.OperationID,
		Table:        req.Table,
		Action:       req.Action,
		Module:       req.Module,
		DataAfter:    req.Data,
		BusinessKey:  req.Module,
		IP:           ip,
		UserAgent:    userAgent,
		Result:       result,
		ErrorMessage: errMsg,
	})
}

func authFailureReason(err error) string {
	switch {
	case errors.Is(err, ErrUnknownModule):
		return "unknown_module"
	case errors.Is(err, ErrStaleTimestamp):
		return "stale_timestamp"
	case errors.Is(err, ErrMissingRiskSignature):
		return "missing_risk_signature"
	default:
		return "bad_signature"
	}
}
