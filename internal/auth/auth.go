// Package auth turns bearer tokens into principals.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// Role is what a principal may do.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleTeam      Role = "team"
	RoleSpectator Role = "spectator"
)

// ErrUnauthenticated is returned for tokens that fail verification.
var ErrUnauthenticated = errors.New("unauthenticated")

// Principal is the caller behind a request or connection.
type Principal struct {
	Subject      string
	Role         Role
	TournamentID string
}

// Anonymous is the principal of callers without a token.
var Anonymous = Principal{Role: RoleSpectator}

// IsAdmin reports whether p holds the admin role.
func (p Principal) IsAdmin() bool { return p.Role == RoleAdmin }

type claims struct {
	Role         Role   `json:"role"`
	TournamentID string `json:"tournament_id,omitempty"`
	jwt.RegisteredClaims
}

// Verifier checks HS256 tokens signed with a shared secret.
type Verifier struct {
	secret []byte
	now    func() time.Time
}

// NewVerifier returns a Verifier for secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret), now: time.Now}
}

// Issue signs a token for p that expires after ttl.
func (v *Verifier) Issue(p Principal, ttl time.Duration) (string, error) {
	now := v.now()
	c := claims{
		Role:         p.Role,
		TournamentID: p.TournamentID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(v.secret)
}

// Verify parses token and returns its principal.
func (v *Verifier) Verify(token string) (Principal, error) {
	var c claims
	_, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if c.Subject == "" {
		return Principal{}, fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}
	switch c.Role {
	case RoleAdmin, RoleTeam, RoleSpectator:
	default:
		return Principal{}, fmt.Errorf("%w: unknown role %q", ErrUnauthenticated, c.Role)
	}
	return Principal{Subject: c.Subject, Role: c.Role, TournamentID: c.TournamentID}, nil
}

// FromRequest authenticates r from its Authorization header, or the token
// query parameter browsers use when opening a websocket. A request without
// a token is Anonymous.
func (v *Verifier) FromRequest(r *http.Request) (Principal, error) {
	token := r.URL.Query().Get("token")
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, rest, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			return Principal{}, fmt.Errorf("%w: malformed authorization header", ErrUnauthenticated)
		}
		token = strings.TrimSpace(rest)
	}
	if token == "" {
		return Anonymous, nil
	}
	return v.Verify(token)
}

type ctxKey struct{}

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// FromContext returns the principal stored by WithPrincipal, or Anonymous.
func FromContext(ctx context.Context) Principal {
	if p, ok := ctx.Value(ctxKey{}).(Principal); ok {
		return p
	}
	return Anonymous
}
