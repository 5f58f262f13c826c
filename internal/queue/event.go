// Package queue defines message payloads exchanged over the message broker.
package queue

// Notification kinds published by the auth service. The delivery gateway
// (email/SMS) consumes these; this service never talks to a mail server
// directly.
const (
	KindVerificationEmail = "verification_email"
	KindPasswordReset     = "password_reset"
	KindSecurityAlert     = "security_alert"
)

// NotificationEvent is published whenever the auth service needs something
// delivered to a user out-of-band: a verification link, a password-reset
// link, or a security alert (lockout, MFA change). Token is the raw opaque
// token to embed in the link and is empty for plain alerts.
type NotificationEvent struct {
	Kind      string `json:"kind"`
	UserID    string `json:"user_id"`
	Email     string `json:"email"`
	Token     string `json:"token,omitempty"`
	Subject   string `json:"subject"`
	CreatedAt string `json:"created_at"`
}
