package domain

import "time"

type RiskDecision string

const (
	RiskDecisionAutoApprove  RiskDecision = "auto_approve"
	RiskDecisionManualReview RiskDecision = "manual_review"
	RiskDecisionDeny         RiskDecision = "deny"
)

type RiskLevel string

const (
	RiskLevelLow      RiskLevel = "low"
	RiskLevelMedium   RiskLevel = "medium"
	RiskLevelHigh     RiskLevel = "high"
	RiskLevelCritical RiskLevel = "critical"
)

// RiskAssessment is the risk engine's verdict for one operation. It is
// persisted only while a manual-review decision is outstanding.
type RiskAssessment struct {
	OperationID       string       `json:"operation_id"`
	RiskScore         int          `json:"risk_score"`
	RiskLevel         RiskLevel    `json:"risk_level"`
	Decision          RiskDecision `json:"decision"`
	Reasons           []string     `json:"reasons"`
	RequiredApprovals int          `json:"required_approvals"`
	CreatedAt         time.Time    `json:"created_at"`
	ExpiresAt         time.Time    `json:"expires_at"`
}
