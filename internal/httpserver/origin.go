package httpserver

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/cors"

	"github.com/wilsonzlin/aero/proxy/devicelink/internal/config"
)

// OriginPolicy decides which browser origins may call the relay. Requests
// without an Origin header (non-browser clients) are always allowed.
//
// With no configured origins only same-host origins pass. Otherwise the
// normalized Origin must match the list; "*" allows everything.
type OriginPolicy struct {
	sameHostOnly bool
	matcher      *cors.Cors
}

func NewOriginPolicy(allowed []string) *OriginPolicy {
	p := &OriginPolicy{sameHostOnly: len(allowed) == 0}
	if !p.sameHostOnly {
		p.matcher = cors.New(cors.Options{AllowedOrigins: allowed})
	}
	return p
}

func (p *OriginPolicy) Allowed(r *http.Request) bool {
	raw := strings.TrimSpace(r.Header.Get("Origin"))
	if raw == "" {
		return true
	}
	if raw == "null" {
		return !p.sameHostOnly && p.matcher.OriginAllowed(r)
	}
	normalized, ok := config.NormalizeOrigin(raw)
	if !ok {
		return false
	}
	if p.sameHostOnly {
		u, err := url.Parse(normalized)
		return err == nil && strings.EqualFold(u.Host, r.Host)
	}
	if normalized != raw {
		r = r.Clone(r.Context())
		r.Header.Set("Origin", normalized)
	}
	return p.matcher.OriginAllowed(r)
}

// CheckOrigin adapts the policy to websocket.Upgrader.CheckOrigin.
func (p *OriginPolicy) CheckOrigin(r *http.Request) bool {
	return p.Allowed(r)
}

// Middleware rejects requests from disallowed origins with 403.
func (p *OriginPolicy) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !p.Allowed(r) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
