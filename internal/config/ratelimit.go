package config

import "time"

// RateLimitConfig controls the fixed-window login rate limiter. The window
// is approximate on purpose: a coarser edge limiter is expected to sit in
// front of this service, so INCR+EXPIRE per (ip, identifier) is enough to
// blunt credential stuffing without the bookkeeping of a sliding window.
type RateLimitConfig struct {
	Enabled bool          // disable entirely (e.g. in tests)
	Window  time.Duration // length of the fixed window
	Max     int64         // allowed attempts per window before 429
	Prefix  string        // redis key namespace
}

// LoadRateLimitConfig reads the limiter settings from the environment, with
// defaults suitable for interactive login traffic.
func LoadRateLimitConfig() RateLimitConfig {
	cfg := RateLimitConfig{
		Enabled: envBool("LOGIN_RATE_LIMIT_ENABLED", true),
		Window:  envDur("LOGIN_RATE_LIMIT_WINDOW", time.Minute),
		Max:     int64(envInt("LOGIN_RATE_LIMIT_MAX", 10)),
		Prefix:  envStr("LOGIN_RATE_LIMIT_PREFIX", "rl:login"),
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Max < 1 {
		cfg.Max = 1
	}
	return cfg
}

func envBool(k string, d bool) bool {
	v := envStr(k, "")
	switch v {
	case "1", "true", "TRUE", "True", "yes", "YES", "on", "ON":
		return true
	case "0", "false", "FALSE", "False", "no", "NO", "off", "OFF":
		return false
	}
	return d
}
