// config.go

// Environment variable loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/MGallo-Code/charon-misskey/internal/oauth"
	"github.com/joho/godotenv"
)

// Verifier store modes accepted by VERIFIER_STORE.
const (
	VerifierStoreCookie = "cookie"
	VerifierStoreMemory = "memory"
	VerifierStoreRedis  = "redis"
)

// Config holds all env configuration vars for the service.
type Config struct {
	DatabaseURL string
	RedisURL    string // optional; empty disables the session cache and the redis verifier store
	Port        string
	LogLevel    slog.Level

	// SessionTTL defaults to 24h.
	SessionTTL time.Duration

	// Misskey flow: the environment layer of the flow config. Empty values defer to defaults.
	MisskeyClientID         string
	MisskeyIssuer           string
	MisskeyScope            []string // nil when MISSKEY_SCOPE is unset
	MisskeyEmailRequired    *bool
	MisskeyProfileRequired  *bool
	MisskeyAuthorizationURL string
	MisskeyTokenURL         string
	MisskeyRedirectURL      string
	MisskeyUserAgent        string

	// CallbackPath is the single route serving both flow phases. Default /auth/misskey.
	CallbackPath string
	// HTTPTimeout bounds each outbound call to the instance. Default 10s.
	HTTPTimeout time.Duration

	// VerifierStore is cookie, memory, or redis. Defaults to redis when REDIS_URL is set, else cookie.
	VerifierStore string
	// VerifierCookieSecret, when set, HMAC-signs the verifier cookie (cookie mode only).
	VerifierCookieSecret []byte

	LoginRedirect string // default /
	ErrorRedirect string // default /login
}

// LoadConfig reads environment variables and returns a validated Config.
// A .env file (or ENV_FILE) is loaded first; variables already set in the environment win.
// Returns an error if DATABASE_URL is missing or a mode setting is invalid.
func LoadConfig() (*Config, error) {
	loadDotEnv()

	cfg := &Config{}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	// Optional -- without it sessions are served from Postgres alone.
	cfg.RedisURL = os.Getenv("REDIS_URL")

	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		cfg.Port = "7865"
	}

	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		cfg.LogLevel = slog.LevelDebug
	case "warn":
		cfg.LogLevel = slog.LevelWarn
	case "error":
		cfg.LogLevel = slog.LevelError
	default:
		cfg.LogLevel = slog.LevelInfo
	}

	cfg.SessionTTL = envDuration("SESSION_TTL", 24*time.Hour)

	cfg.MisskeyClientID = os.Getenv("MISSKEY_CLIENT_ID")
	cfg.MisskeyIssuer = os.Getenv("MISSKEY_ISSUER")
	cfg.MisskeyScope = envList("MISSKEY_SCOPE")
	cfg.MisskeyEmailRequired = envBool("MISSKEY_EMAIL_REQUIRED")
	cfg.MisskeyProfileRequired = envBool("MISSKEY_PROFILE_REQUIRED")
	cfg.MisskeyAuthorizationURL = os.Getenv("MISSKEY_AUTHORIZATION_URL")
	cfg.MisskeyTokenURL = os.Getenv("MISSKEY_TOKEN_URL")
	cfg.MisskeyRedirectURL = os.Getenv("MISSKEY_REDIRECT_URL")
	cfg.MisskeyUserAgent = os.Getenv("MISSKEY_USER_AGENT")

	// A missing client ID is reported per request as a configuration error, not at startup,
	// so /health stays reachable on a half-configured deploy.
	if cfg.MisskeyClientID == "" {
		slog.Warn("MISSKEY_CLIENT_ID is not set; sign-in will fail until it is")
	}
	if cfg.MisskeyIssuer != "" {
		if _, err := oauth.IssuerHost(cfg.MisskeyIssuer); err != nil {
			return nil, fmt.Errorf("MISSKEY_ISSUER: %w", err)
		}
	}

	cfg.CallbackPath = os.Getenv("MISSKEY_CALLBACK_PATH")
	if cfg.CallbackPath == "" {
		cfg.CallbackPath = "/auth/misskey"
	}
	if !strings.HasPrefix(cfg.CallbackPath, "/") {
		return nil, fmt.Errorf("MISSKEY_CALLBACK_PATH must start with /")
	}
	cfg.HTTPTimeout = envDuration("MISSKEY_HTTP_TIMEOUT", 10*time.Second)

	cfg.VerifierStore = strings.ToLower(os.Getenv("VERIFIER_STORE"))
	switch cfg.VerifierStore {
	case "":
		// With Redis available, keep verifiers server-side so a replayed cookie is worthless.
		cfg.VerifierStore = VerifierStoreCookie
		if cfg.RedisURL != "" {
			cfg.VerifierStore = VerifierStoreRedis
		}
	case VerifierStoreCookie, VerifierStoreMemory:
	case VerifierStoreRedis:
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("VERIFIER_STORE=redis requires REDIS_URL")
		}
	default:
		return nil, fmt.Errorf("VERIFIER_STORE must be cookie, memory, or redis, got %q", cfg.VerifierStore)
	}
	if secret := os.Getenv("VERIFIER_COOKIE_SECRET"); secret != "" {
		cfg.VerifierCookieSecret = []byte(secret)
	} else if cfg.VerifierStore == VerifierStoreCookie {
		slog.Warn("VERIFIER_COOKIE_SECRET is not set; code_verifier cookies are unsigned")
	}

	cfg.LoginRedirect = os.Getenv("LOGIN_REDIRECT")
	if cfg.LoginRedirect == "" {
		cfg.LoginRedirect = "/"
	}
	cfg.ErrorRedirect = os.Getenv("ERROR_REDIRECT")
	if cfg.ErrorRedirect == "" {
		cfg.ErrorRedirect = "/login"
	}

	return cfg, nil
}

// MisskeyOptions returns the environment layer of the flow config.
func (c *Config) MisskeyOptions() oauth.Options {
	return oauth.Options{
		Issuer:           c.MisskeyIssuer,
		ClientID:         c.MisskeyClientID,
		Scope:            c.MisskeyScope,
		EmailRequired:    c.MisskeyEmailRequired,
		ProfileRequired:  c.MisskeyProfileRequired,
		AuthorizationURL: c.MisskeyAuthorizationURL,
		TokenURL:         c.MisskeyTokenURL,
		RedirectURL:      c.MisskeyRedirectURL,
		UserAgent:        c.MisskeyUserAgent,
	}
}

// loadDotEnv loads ENV_FILE (default .env) without overriding variables already set.
func loadDotEnv() {
	path := os.Getenv("ENV_FILE")
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to load env file", "path", path, "error", err)
	}
}

// envDuration reads an env var as time.Duration, returning def if missing or unparseable.
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return d
}

// envBool reads an env var as an explicit boolean. Returns nil if missing or unparseable,
// so the flow config falls through to its defaults.
func envBool(key string) *bool {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("invalid env var, ignoring", "key", key, "value", v)
		return nil
	}
	return &b
}

// envList splits an env var on spaces and commas. Returns nil if unset or blank.
func envList(key string) []string {
	v := os.Getenv(key)
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return strings.FieldsFunc(v, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
}
