package marketd

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/creditmarket/internal/jobs"
	"github.com/MarkoPoloResearchLab/creditmarket/pkg/payments/remita"
	"github.com/MarkoPoloResearchLab/creditmarket/pkg/rewards"
)

const (
	defaultDatabaseURL    = "sqlite:///tmp/creditmarket.db"
	defaultHTTPListenAddr = ":8080"
	defaultGRPCListenAddr = ":7000"
	defaultSessionIssuer  = "tauth"
	defaultSessionCookie  = "app_session"
	defaultServiceName    = "creditmarket"
	defaultRequestTimeout = 10 * time.Second
	defaultCreditsPerUnit = 1
)

// Config aggregates runtime settings for the marketplace daemon.
type Config struct {
	DatabaseURL       string
	HTTPListenAddr    string
	GRPCListenAddr    string
	AllowedOrigins    []string
	RequestTimeout    time.Duration
	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string
	WebhookSecret     string
	CreditsPerUnit    int64
	OTLPEndpoint      string
	ServiceName       string
	Gateway           remita.Config
	Rewards           rewards.Settings
	Sweep             jobs.Config
}

// Validate fills defaults and rejects missing secrets.
func (cfg *Config) Validate() error {
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	cfg.HTTPListenAddr = defaultIfEmpty(cfg.HTTPListenAddr, defaultHTTPListenAddr)
	cfg.GRPCListenAddr = defaultIfEmpty(cfg.GRPCListenAddr, defaultGRPCListenAddr)
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)
	cfg.ServiceName = defaultIfEmpty(cfg.ServiceName, defaultServiceName)
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.CreditsPerUnit == 0 {
		cfg.CreditsPerUnit = defaultCreditsPerUnit
	}
	if cfg.CreditsPerUnit < 0 {
		return errors.New("credits per unit must be positive")
	}
	if len(cfg.SessionSigningKey) == 0 {
		return errors.New("jwt signing key is required")
	}
	if len(cfg.WebhookSecret) == 0 {
		return errors.New("payment webhook secret is required")
	}
	if err := cfg.Gateway.Validate(); err != nil {
		return err
	}
	if err := cfg.Rewards.Validate(); err != nil {
		return err
	}
	if err := cfg.Sweep.Validate(); err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	return nil
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
