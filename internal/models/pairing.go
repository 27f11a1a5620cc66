package models

import "time"

const (
	PhasePending    = "pending"
	PhaseAuthorized = "authorized"
	PhaseFinalized  = "finalized"
)

// PairingSession is one QR login attempt. The phase only moves forward
// (pending -> authorized -> finalized) and the session is never revived
// after ExpiresAt.
type PairingSession struct {
	QRID       string    `json:"qr_id"`
	TenantID   string    `json:"tenant_id,omitempty"`
	TVVerifier string    `json:"tv_verifier,omitempty"`
	Phase      string    `json:"phase"`
	UserID     string    `json:"user_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

type User struct {
	UserID   string    `json:"user_id"`
	TenantID string    `json:"tenant_id"`
	Email    string    `json:"email"`
	Role     string    `json:"role,omitempty"`
	Created  time.Time `json:"created_at,omitempty"`
}

type Session struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	TenantID  string    `json:"tenant_id"`
	ExpiresAt time.Time `json:"expires_at"`
}
