package models

import "time"

// AuditLog represents an audit log entry
type AuditLog struct {
	ID          int64     `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Action      string    `json:"action"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	Subject     string    `json:"subject,omitempty"`
	AccountID   int64     `json:"account_id,omitempty"`
	Success     bool      `json:"success"`
	ErrorMsg    string    `json:"error_msg,omitempty"`
	Details     string    `json:"details,omitempty"`
}

// Audit action constants
const (
	ActionTrustGranted      = "trust_granted"
	ActionTrustRejected     = "trust_rejected"
	ActionTrustForgotten    = "trust_forgotten"
	ActionTrustReset        = "trust_reset"
	ActionAccountCreate     = "account_create"
	ActionAccountURLChanged = "account_url_changed"
	ActionGateFailed        = "gate_failed"
)
