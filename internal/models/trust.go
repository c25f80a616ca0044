package models

import "time"

// TrustRecord represents a certificate a user explicitly chose to trust
type TrustRecord struct {
	Fingerprint string    `json:"fingerprint"`
	Subject     string    `json:"subject"`
	Issuer      string    `json:"issuer"`
	NotAfter    time.Time `json:"not_after"`
	TrustedAt   time.Time `json:"trusted_at"`
	SessionOnly bool      `json:"session_only,omitempty"` // Not persisted; lost on restart
}
