package domain

import "time"

type AuditResult string

const (
	AuditResultSuccess AuditResult = "success"
	AuditResultFailure AuditResult = "failure"
)

// AuditEntry records one mutation attempt, successful or not. Rows are never
// updated after insert.
type AuditEntry struct {
	ID           string                 `json:"id"`
	OperationID  string                 `json:"operation_id"`
	Table        string                 `json:"table_name"`
	Action       string                 `json:"action"`
	Module       string                 `json:"module"`
	DataBefore   map[string]interface{} `json:"data_before,omitempty"`
	DataAfter    map[string]interface{} `json:"data_after,omitempty"`
	BusinessKey  string                 `json:"business_key"`
	RiskKey      string                 `json:"risk_key,omitempty"`
	IP           string                 `json:"ip"`
	UserAgent    string                 `json:"user_agent"`
	Result       AuditResult            `json:"result"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}
