package config // package config loads application configuration from environment variables

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration values. Each field corresponds to an
// environment variable. Signing keys are referenced by path so the same key
// pair can be mounted into every server instance; token lifetimes and
// account-protection thresholds are tunable without code changes.
type Config struct {
	Env  string // application environment (e.g. "dev", "prod")
	Port string // HTTP port to listen on

	DBUser string // database username
	DBPass string // database password (optional)
	DBHost string // database host address
	DBPort string // database port number
	DBName string // database name

	Issuer         string // iss claim and base URL of the discovery document
	PrivateKeyPath string // PEM-encoded RSA private key used to sign access tokens
	PublicKeyPath  string // PEM-encoded RSA public key exposed through JWKS

	AccessTTL   time.Duration // access token lifetime
	RefreshTTL  time.Duration // refresh token lifetime
	AuthCodeTTL time.Duration // authorization code lifetime
	SessionTTL  time.Duration // device session lifetime

	BcryptCost int // bcrypt cost for password and backup-code hashing

	MaxLoginAttempts int           // failed password attempts before lockout
	LockoutDuration  time.Duration // how long a locked account stays locked

	FirstPartyClientID     string   // OAuth client used by the platform's own frontend
	FirstPartyClientSecret string   // its secret
	FirstPartyClientName   string   // display name stored in the client registry
	FirstPartyRedirectURIs []string // registered redirect URIs, comma separated in the env
}

// Load reads configuration values from environment variables and returns a
// Config. Required variables are enforced by must() and missing values cause
// the program to exit with a fatal log message. Policy knobs fall back to
// sane defaults so a dev environment only needs coordinates and secrets.
func Load() Config {
	return Config{
		Env:  must("APP_ENV"),
		Port: must("APP_PORT"),

		DBUser: must("DB_USER"),
		DBPass: os.Getenv("DB_PASS"),
		DBHost: must("DB_HOST"),
		DBPort: must("DB_PORT"),
		DBName: must("DB_NAME"),

		Issuer:         must("JWT_ISSUER"),
		PrivateKeyPath: must("JWT_PRIVATE_KEY_PATH"),
		PublicKeyPath:  must("JWT_PUBLIC_KEY_PATH"),

		AccessTTL:   envDur("ACCESS_TOKEN_TTL", 15*time.Minute),
		RefreshTTL:  envDur("REFRESH_TOKEN_TTL", 30*24*time.Hour),
		AuthCodeTTL: envDur("AUTH_CODE_TTL", 5*time.Minute),
		SessionTTL:  envDur("SESSION_TTL", 30*24*time.Hour),

		BcryptCost: envInt("BCRYPT_COST", 12),

		MaxLoginAttempts: envInt("MAX_LOGIN_ATTEMPTS", 5),
		LockoutDuration:  envDur("LOCKOUT_DURATION", 15*time.Minute),

		FirstPartyClientID:     must("FIRST_PARTY_CLIENT_ID"),
		FirstPartyClientSecret: must("FIRST_PARTY_CLIENT_SECRET"),
		FirstPartyClientName:   envStr("FIRST_PARTY_CLIENT_NAME", "agrilink-web"),
		FirstPartyRedirectURIs: splitCSV(os.Getenv("FIRST_PARTY_REDIRECT_URIS")),
	}
}

// must retrieves the value of a required environment variable. If the
// variable is unset or empty, the application logs a fatal error and exits.
func must(key string) string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		log.Fatalf("missing required env var: %s", key)
	}
	return v
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envStr(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func envInt(k string, d int) int {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	return d
}

func envDur(k string, d time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	if dur, err := time.ParseDuration(v); err == nil {
		return dur
	}
	return d
}
