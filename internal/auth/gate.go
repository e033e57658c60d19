package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

// Rule protects every path under Prefix with a minimum role.
type Rule struct {
	Prefix string
	Role   Role
	// QueryToken also accepts ?access_token=, for EventSource and WebSocket
	// clients that cannot set headers.
	QueryToken bool
}

// ReadAPIRules guard the routes of the dashboard read API. Admin tokens pass
// every viewer rule.
func ReadAPIRules() []Rule {
	return []Rule{
		{Prefix: "/api/v1/readings/stream", Role: RoleViewer, QueryToken: true},
		{Prefix: "/api/v1/readings/ws", Role: RoleViewer, QueryToken: true},
		{Prefix: "/api/v1/sensors/", Role: RoleViewer},
	}
}

// Identity is the authenticated reader.
type Identity struct {
	Subject string
	Role    Role
}

type identityKey struct{}

// IdentityFrom returns the reader attached by Gate, if any.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// Gate enforces rules on matching requests and passes everything else through.
type Gate struct {
	verifier *Verifier
	rules    []Rule
	logger   *slog.Logger
}

// NewGate constructs a gate. The first matching rule wins.
func NewGate(verifier *Verifier, rules []Rule, logger *slog.Logger) (*Gate, error) {
	if verifier == nil {
		return nil, errors.New("auth: nil verifier")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{verifier: verifier, rules: rules, logger: logger.With("component", "auth")}, nil
}

func (g *Gate) match(path string) (Rule, bool) {
	for _, rule := range g.rules {
		if strings.HasPrefix(path, rule.Prefix) {
			return rule, true
		}
	}
	return Rule{}, false
}

// Wrap applies the gate to next.
func (g *Gate) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rule, ok := g.match(r.URL.Path)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		raw := bearerToken(r)
		if raw == "" && rule.QueryToken {
			raw = r.URL.Query().Get("access_token")
		}
		claims, err := g.verifier.Verify(raw)
		if err != nil {
			g.logger.Debug("rejected reader", "path", r.URL.Path, "err", err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if !claims.Role.Satisfies(rule.Role) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		ctx := context.WithValue(r.Context(), identityKey{}, Identity{Subject: claims.Subject, Role: claims.Role})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// bearerToken extracts the credential from "Authorization: Bearer <token>".
func bearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
