// Package auth verifies bearer tokens and maps them to a user identity.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized is returned for missing, malformed or rejected tokens.
var ErrUnauthorized = errors.New("unauthorized")

// LocalIdentity is assigned to every request when authentication is disabled.
const LocalIdentity = "local-user"

// Config controls token verification.
type Config struct {
	// Secret is the HS256 signing key.
	Secret string
	// Issuer, when set, is required on verified tokens and stamped on issued ones.
	Issuer string
	// Leeway tolerates clock skew on exp/nbf checks.
	Leeway time.Duration
	// Disabled maps every request to LocalIdentity. Development only.
	Disabled bool
}

// Manager issues and validates signed session tokens.
type Manager struct {
	secret   []byte
	issuer   string
	leeway   time.Duration
	disabled bool
	now      func() time.Time
}

// NewManager creates a Manager. A secret is required unless auth is disabled.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Secret == "" && !cfg.Disabled {
		return nil, errors.New("auth manager requires non-empty secret")
	}
	if cfg.Leeway == 0 {
		cfg.Leeway = 30 * time.Second
	}
	return &Manager{
		secret:   []byte(cfg.Secret),
		issuer:   cfg.Issuer,
		leeway:   cfg.Leeway,
		disabled: cfg.Disabled,
		now:      time.Now,
	}, nil
}

// Disabled reports whether verification is bypassed.
func (m *Manager) Disabled() bool { return m.disabled }

// IssueToken issues a signed token whose subject is identity.
func (m *Manager) IssueToken(identity string, ttl time.Duration) (string, error) {
	if identity == "" {
		return "", errors.New("identity required")
	}
	if len(m.secret) == 0 {
		return "", errors.New("no signing secret configured")
	}
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	now := m.now()
	claims := jwt.RegisteredClaims{
		Subject:   identity,
		Issuer:    m.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// ValidateToken verifies the token and returns its subject.
func (m *Manager) ValidateToken(token string) (string, error) {
	if m.disabled {
		return LocalIdentity, nil
	}
	if token == "" {
		return "", fmt.Errorf("%w: empty token", ErrUnauthorized)
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(m.leeway),
		jwt.WithTimeFunc(m.now),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	var claims jwt.RegisteredClaims
	if _, err := jwt.NewParser(opts...).ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	}); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}
	return claims.Subject, nil
}

// Authenticate extracts and validates the bearer token of r.
func (m *Manager) Authenticate(r *http.Request) (string, error) {
	if m.disabled {
		return LocalIdentity, nil
	}
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return "", fmt.Errorf("%w: missing bearer token", ErrUnauthorized)
	}
	return m.ValidateToken(strings.TrimSpace(token))
}

type ctxKey struct{}

// WithIdentity stores identity on ctx.
func WithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, ctxKey{}, identity)
}

// IdentityFrom returns the identity stored by the middleware.
func IdentityFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKey{}).(string)
	return id, ok && id != ""
}

// Middleware rejects unauthenticated requests with 401 and stores the
// identity on the request context otherwise.
func (m *Manager) Middleware(onReject func(w http.ResponseWriter, r *http.Request, err error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, err := m.Authenticate(r)
			if err != nil {
				onReject(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}
