package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type JWTOptions struct {
	// Issuer and Audience are checked when non-empty.
	Issuer   string
	Audience string
	// Now overrides the clock for expiry checks.
	Now func() time.Time
}

type tokenClaims struct {
	jwt.RegisteredClaims
	Username string `json:"username,omitempty"`
	SID      string `json:"sid,omitempty"`
}

type jwtVerifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewJWTVerifier verifies HS256 tokens. "sub" is the user id and "exp" is
// required.
func NewJWTVerifier(secret string, opts JWTOptions) (Verifier, error) {
	if secret == "" {
		return nil, errors.New("jwt secret must not be empty")
	}
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(5 * time.Second),
	}
	if opts.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(opts.Issuer))
	}
	if opts.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(opts.Audience))
	}
	if opts.Now != nil {
		parserOpts = append(parserOpts, jwt.WithTimeFunc(opts.Now))
	}
	return jwtVerifier{secret: []byte(secret), parser: jwt.NewParser(parserOpts...)}, nil
}

func (v jwtVerifier) Verify(value string) (Claims, error) {
	token := strings.TrimSpace(value)
	if len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
		token = strings.TrimSpace(token[7:])
	}
	if token == "" {
		return Claims{}, ErrMissingClaims
	}

	var tc tokenClaims
	if _, err := v.parser.ParseWithClaims(token, &tc, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}); err != nil {
		return Claims{}, fmt.Errorf("%w: %w", ErrInvalidClaims, err)
	}
	return validate(Claims{
		UserID:    tc.Subject,
		Username:  tc.Username,
		SessionID: tc.SID,
	})
}
