// Package repository provides data access to the durable auth store. Each
// repository is the sole writer for the table it owns; cross-entity rules
// live in the handlers composing them. The sentinel errors below are the
// protocol-level failure taxonomy: handlers map them onto stable error
// identifiers and HTTP statuses without inspecting SQL errors themselves.
package repository

import "errors"

var (
	// ErrEmailExists signals a duplicate registration attempt.
	ErrEmailExists = errors.New("email already exists")
	// ErrUnknownUser signals a lookup for a user that does not exist.
	ErrUnknownUser = errors.New("unknown user")
	// ErrAccountLocked signals a login attempt while locked_until is in the future.
	ErrAccountLocked = errors.New("account locked")

	// ErrUnknownClient signals an unregistered client_id.
	ErrUnknownClient = errors.New("unknown client")
	// ErrClientInactive signals a deactivated client; all grants are refused.
	ErrClientInactive = errors.New("client inactive")
	// ErrInvalidClientSecret signals a failed client secret comparison.
	ErrInvalidClientSecret = errors.New("invalid client secret")

	// ErrUnknownCode signals a consumption attempt for an absent code.
	ErrUnknownCode = errors.New("unknown authorization code")
	// ErrCodeAlreadyUsed signals a second redemption of a consumed code.
	ErrCodeAlreadyUsed = errors.New("authorization code already used")
	// ErrCodeExpired signals a code past its five-minute lifetime.
	ErrCodeExpired = errors.New("authorization code expired")
	// ErrClientMismatch signals a code or refresh token presented by a
	// client other than the one it was issued to.
	ErrClientMismatch = errors.New("client mismatch")
	// ErrRedirectMismatch signals a redirect_uri differing from the one
	// bound at authorization time.
	ErrRedirectMismatch = errors.New("redirect_uri mismatch")
	// ErrInvalidVerifier signals a PKCE verifier that does not match the
	// challenge stored with the code.
	ErrInvalidVerifier = errors.New("invalid code_verifier")

	// ErrUnknownToken signals an absent refresh/verification/reset token.
	ErrUnknownToken = errors.New("unknown token")
	// ErrTokenRevoked signals a refresh token that has already been rotated
	// or revoked.
	ErrTokenRevoked = errors.New("token revoked")
	// ErrTokenExpired signals an opaque token past expires_at.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenUsed signals a single-use token (password reset) replayed.
	ErrTokenUsed = errors.New("token already used")
)
