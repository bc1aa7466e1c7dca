package domain

import "time"

type OperationType string

const (
	OperationTypeRead      OperationType = "read"
	OperationTypeWrite     OperationType = "write"
	OperationTypeSensitive OperationType = "sensitive"
)

// OperationRecord is the replay-protection token for an externally signed
// request. The unique operation_id constraint in storage is the correctness
// boundary; any in-memory or redis mirror is advisory.
type OperationRecord struct {
	OperationID string    `json:"operation_id"`
	Module      string    `json:"module"`
	UsedAt      time.Time `json:"used_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}
