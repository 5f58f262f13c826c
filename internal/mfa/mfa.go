// Package mfa implements the TOTP second factor and one-time backup codes.
package mfa

import (
	"crypto/rand"
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"net/url"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/agrilink/auth-service/internal/utils"
)

const (
	secretBytes    = 20 // 160-bit secrets per RFC 4226
	backupCodeLen  = 5  // 5 random bytes -> 10 hex chars per code
	DefaultBackups = 10
)

// Service generates and verifies TOTP secrets and backup codes. The issuer
// appears in authenticator apps next to the account email; the bcrypt cost
// matches the password hasher so backup codes get the same protection.
type Service struct {
	Issuer     string
	BcryptCost int
}

func New(issuer string, bcryptCost int) *Service {
	return &Service{Issuer: issuer, BcryptCost: bcryptCost}
}

// GenerateSecret returns a fresh base32-encoded TOTP secret.
func (s *Service) GenerateSecret() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf), nil
}

// ProvisioningURI builds the otpauth:// URI an enrollment QR code encodes.
func (s *Service) ProvisioningURI(email, secret string) string {
	return fmt.Sprintf("otpauth://totp/%s:%s?secret=%s&issuer=%s",
		url.PathEscape(s.Issuer), url.PathEscape(email), secret, url.QueryEscape(s.Issuer))
}

// VerifyTOTP checks a 6-digit code against the secret allowing one time step
// of clock skew in each direction.
func (s *Service) VerifyTOTP(secret, code string) bool {
	ok, err := totp.ValidateCustom(code, secret, time.Now().UTC(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}

// GenerateBackupCodes returns n random single-use codes. The caller persists
// only their hashes; the plaintext is shown to the user exactly once.
func (s *Service) GenerateBackupCodes(n int) ([]string, error) {
	codes := make([]string, 0, n)
	for i := 0; i < n; i++ {
		buf := make([]byte, backupCodeLen)
		if _, err := rand.Read(buf); err != nil {
			return nil, err
		}
		codes = append(codes, hex.EncodeToString(buf))
	}
	return codes, nil
}

// HashBackupCode hashes a backup code with the same one-way hash as passwords.
func (s *Service) HashBackupCode(code string) (string, error) {
	return utils.HashPassword(code, s.BcryptCost)
}

// VerifyBackupCode compares a candidate code against a stored hash.
func (s *Service) VerifyBackupCode(code, hash string) bool {
	return utils.VerifyPassword(hash, code)
}
