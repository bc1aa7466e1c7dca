// Package risk implements rule-based scoring for sensitive operations.
package risk

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/custody/internal/core/domain"
	"github.com/vietddude/custody/internal/metrics"
)

// Score boundaries. A score above denyAbove is an outright denial; everything
// between the auto-approve ceiling and the deny floor needs human review.
const (
	autoApproveMax   = 30
	singleApproveMax = 70
	doubleApproveMax = 90
)

// Engine scores requests against an ordered set of weighted rules.
type Engine struct {
	rules     []Rule
	assessTTL time.Duration
	log       *slog.Logger
}

// NewEngine creates a risk engine. Rule order is preserved; reasons come back
// in evaluation order.
func NewEngine(rules []Rule, assessTTL time.Duration, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	if assessTTL <= 0 {
		assessTTL = 24 * time.Hour
	}
	return &Engine{rules: rules, assessTTL: assessTTL, log: log}
}

// Evaluate runs every rule and maps the summed score to a decision. A rule
// failure never approves: the engine fails closed to manual review.
func (e *Engine) Evaluate(ctx context.Context, req *Request) *domain.RiskAssessment {
	score := 0
	var reasons []string

	for _, rule := range e.rules {
		triggered, reason, err := rule.Evaluate(ctx, req)
		if err != nil {
			e.log.Error("risk rule failed, failing closed to manual review",
				"rule", rule.Name(), "operation_id", req.OperationID, "error", err)
			return e.assessment(req, score, domain.RiskDecisionManualReview, 1,
				append(reasons, "rule "+rule.Name()+" unavailable"))
		}
		if triggered {
			score += rule.Weight()
			reasons = append(reasons, reason)
		}
	}

	decision, approvals := decide(score)
	return e.assessment(req, score, decision, approvals, reasons)
}

func decide(score int) (domain.RiskDecision, int) {
	switch {
	case score <= autoApproveMax:
		return domain.RiskDecisionAutoApprove, 0
	case score <= singleApproveMax:
		return domain.RiskDecisionManualReview, 1
	case score <= doubleApproveMax:
		return domain.RiskDecisionManualReview, 2
	default:
		return domain.RiskDecisionDeny, 0
	}
}

func levelFor(score int) domain.RiskLevel {
	switch {
	case score <= autoApproveMax:
		return domain.RiskLevelLow
	case score <= singleApproveMax:
		return domain.RiskLevelMedium
	case score <= doubleApproveMax:
		return domain.RiskLevelHigh
	default:
		return domain.RiskLevelCritical
	}
}

func (e *Engine) assessment(req *Request, score int, decision domain.RiskDecision, approvals int, reasons []string) *domain.RiskAssessment {
	metrics.RiskDecisions.WithLabelValues(string(decision)).Inc()
	now := time.Now()
	return &domain.RiskAssessment{
		OperationID:       req.OperationID,
		RiskScore:         score,
		RiskLevel:         levelFor(score),
		Decision:          decision,
		Reasons:           reasons,
		RequiredApprovals: approvals,
		CreatedAt:         now,
		ExpiresAt:         now.Add(e.assessTTL),
	}
}
