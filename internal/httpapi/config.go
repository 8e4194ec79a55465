package httpapi

import (
	"fmt"
	"strings"
	"time"
)

const (
	defaultListenAddr     = ":9090"
	defaultBookingAddr    = "localhost:7000"
	defaultAllowedOrigin  = "http://localhost:8000"
	defaultSessionIssuer  = "tauth"
	defaultSessionCookie  = "app_session"
	defaultAdminRole      = "admin"
	defaultBookingTimeout = 3 * time.Second
	defaultEntryPageSize  = 20
)

// Config aggregates runtime settings for the studio HTTP API.
type Config struct {
	ListenAddr        string
	BookingAddress    string
	BookingInsecure   bool
	BookingTimeout    time.Duration
	AllowedOrigins    []string
	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string
	AdminEmails       []string
	AdminRole         string
	// PaymentSecret guards POST /api/payments. An empty secret disables the route.
	PaymentSecret string
	EntryPageSize int
}

// Validate fills defaults and ensures the configuration contains sane values.
func (cfg *Config) Validate() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	cfg.BookingAddress = defaultIfEmpty(cfg.BookingAddress, defaultBookingAddr)
	if cfg.BookingTimeout <= 0 {
		cfg.BookingTimeout = defaultBookingTimeout
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)
	cfg.AdminRole = defaultIfEmpty(cfg.AdminRole, defaultAdminRole)
	if cfg.EntryPageSize <= 0 {
		cfg.EntryPageSize = defaultEntryPageSize
	}
	normalizedAdmins := make([]string, 0, len(cfg.AdminEmails))
	for _, email := range cfg.AdminEmails {
		if trimmed := strings.ToLower(strings.TrimSpace(email)); trimmed != "" {
			normalizedAdmins = append(normalizedAdmins, trimmed)
		}
	}
	cfg.AdminEmails = normalizedAdmins
	cfg.PaymentSecret = strings.TrimSpace(cfg.PaymentSecret)
	if len(cfg.SessionSigningKey) == 0 {
		return fmt.Errorf("jwt signing key is required")
	}
	return nil
}

// IsAdmin reports whether a session with email and roles may use admin routes.
func (cfg Config) IsAdmin(email string, roles []string) bool {
	for _, role := range roles {
		if role == cfg.AdminRole {
			return true
		}
	}
	normalized := strings.ToLower(strings.TrimSpace(email))
	if normalized == "" {
		return false
	}
	for _, admin := range cfg.AdminEmails {
		if admin == normalized {
			return true
		}
	}
	return false
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}

// ParseList splits a comma-delimited value into trimmed, non-empty items.
func ParseList(raw string) []string {
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
