// Package auth turns the identity claims header set by the fronting gateway
// into the caller's user identity.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/wilsonzlin/aero/proxy/devicelink/internal/config"
)

var (
	ErrMissingClaims = errors.New("missing identity claims")
	ErrInvalidClaims = errors.New("invalid identity claims")
)

// Claims identifies the user a connection belongs to. UserID scopes every
// relay operation.
type Claims struct {
	UserID    string
	Username  string
	SessionID string
}

type Verifier interface {
	Verify(value string) (Claims, error)
}

func NewVerifier(cfg config.Config) (Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeJWT:
		return NewJWTVerifier(cfg.JWTSecret, JWTOptions{Issuer: cfg.JWTIssuer, Audience: cfg.JWTAudience})
	case config.AuthModeTrusted:
		return TrustedVerifier{}, nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

// FromRequest verifies the claims carried in header name of r.
func FromRequest(v Verifier, r *http.Request, name string) (Claims, error) {
	raw := strings.TrimSpace(r.Header.Get(name))
	if raw == "" {
		return Claims{}, ErrMissingClaims
	}
	return v.Verify(raw)
}

func validate(c Claims) (Claims, error) {
	c.UserID = strings.TrimSpace(c.UserID)
	if c.UserID == "" {
		return Claims{}, fmt.Errorf("%w: missing subject", ErrInvalidClaims)
	}
	if c.Username == "" {
		c.Username = c.UserID
	}
	return c, nil
}
