// Package turnrest mints coturn-compatible TURN REST credentials.
//
//	username   = <unix_expiry>:<username_prefix>:<session_id>
//	credential = base64(hmac_sha1(shared_secret, username))
//
// The expiry is the server's UTC clock plus the configured TTL. See
// https://datatracker.ietf.org/doc/html/draft-uberti-behave-turn-rest.
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

type Config struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
	Now            func() time.Time
	// SessionIDSource backs GenerateRandom. Defaults to a random UUID.
	SessionIDSource func() (string, error)
}

type Generator struct {
	sharedSecret    []byte
	ttlSeconds      int64
	usernamePrefix  string
	now             func() time.Time
	sessionIDSource func() (string, error)
}

func NewGenerator(cfg Config) (*Generator, error) {
	if cfg.SharedSecret == "" {
		return nil, errors.New("turnrest: shared secret is required")
	}
	if cfg.TTLSeconds <= 0 {
		return nil, errors.New("turnrest: TTLSeconds must be > 0")
	}
	if cfg.UsernamePrefix == "" {
		return nil, errors.New("turnrest: UsernamePrefix is required")
	}
	if strings.Contains(cfg.UsernamePrefix, ":") {
		return nil, errors.New("turnrest: UsernamePrefix must not contain ':'")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.SessionIDSource == nil {
		cfg.SessionIDSource = func() (string, error) { return uuid.NewString(), nil }
	}
	return &Generator{
		sharedSecret:    []byte(cfg.SharedSecret),
		ttlSeconds:      cfg.TTLSeconds,
		usernamePrefix:  cfg.UsernamePrefix,
		now:             cfg.Now,
		sessionIDSource: cfg.SessionIDSource,
	}, nil
}

type Credentials struct {
	Username   string
	Credential string
	ExpiryUnix int64
}

func (g *Generator) Generate(sessionID string) (Credentials, error) {
	if sessionID == "" {
		return Credentials{}, errors.New("turnrest: sessionID is required")
	}
	if strings.Contains(sessionID, ":") {
		return Credentials{}, errors.New("turnrest: sessionID must not contain ':'")
	}
	expiryUnix := g.now().UTC().Unix() + g.ttlSeconds
	username := fmt.Sprintf("%d:%s:%s", expiryUnix, g.usernamePrefix, sessionID)
	return Credentials{
		Username:   username,
		Credential: sign(g.sharedSecret, username),
		ExpiryUnix: expiryUnix,
	}, nil
}

func (g *Generator) GenerateRandom() (Credentials, error) {
	sessionID, err := g.sessionIDSource()
	if err != nil {
		return Credentials{}, err
	}
	return g.Generate(sessionID)
}

// Apply returns a copy of servers with creds set on every entry that has a
// TURN url. STUN-only entries are left alone.
func Apply(servers []webrtc.ICEServer, creds Credentials) []webrtc.ICEServer {
	if len(servers) == 0 {
		// Keep [] rather than null in JSON responses.
		return servers
	}
	out := make([]webrtc.ICEServer, len(servers))
	for i, server := range servers {
		out[i] = server
		if hasTURNURL(server) {
			out[i].Username = creds.Username
			out[i].Credential = creds.Credential
		}
	}
	return out
}

func hasTURNURL(server webrtc.ICEServer) bool {
	for _, raw := range server.URLs {
		u := strings.ToLower(strings.TrimSpace(raw))
		if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
			return true
		}
	}
	return false
}

func sign(sharedSecret []byte, username string) string {
	mac := hmac.New(sha1.New, sharedSecret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
