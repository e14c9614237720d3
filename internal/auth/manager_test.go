package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	m, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestTokenValidation(t *testing.T) {
	mgr := newManager(t, Config{Secret: "secret", Issuer: "streamchat"})
	token, err := mgr.IssueToken("user-42", time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	sub, err := mgr.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if sub != "user-42" {
		t.Fatalf("unexpected subject %s", sub)
	}
}

func TestExpiredToken(t *testing.T) {
	mgr := newManager(t, Config{Secret: "secret", Leeway: time.Second})
	token, err := mgr.IssueToken("user-42", -time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if _, err := mgr.ValidateToken(token); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestRejectsForeignSignatureAndIssuer(t *testing.T) {
	mgr := newManager(t, Config{Secret: "secret", Issuer: "streamchat"})

	other := newManager(t, Config{Secret: "other", Issuer: "streamchat"})
	forged, _ := other.IssueToken("user-42", time.Minute)
	if _, err := mgr.ValidateToken(forged); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("forged token accepted: %v", err)
	}

	wrongIss := newManager(t, Config{Secret: "secret", Issuer: "elsewhere"})
	tok, _ := wrongIss.IssueToken("user-42", time.Minute)
	if _, err := mgr.ValidateToken(tok); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("wrong issuer accepted: %v", err)
	}
}

func TestRejectsTokensWithoutExpiryOrSubject(t *testing.T) {
	mgr := newManager(t, Config{Secret: "secret"})
	noExp, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "u"}).SignedString([]byte("secret"))
	if _, err := mgr.ValidateToken(noExp); err == nil {
		t.Fatal("token without exp accepted")
	}
	noSub, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}).SignedString([]byte("secret"))
	if _, err := mgr.ValidateToken(noSub); err == nil {
		t.Fatal("token without sub accepted")
	}
	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "u"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if _, err := mgr.ValidateToken(none); err == nil {
		t.Fatal("alg none accepted")
	}
}

func TestNewManagerRequiresSecret(t *testing.T) {
	if _, err := NewManager(Config{}); err == nil {
		t.Fatal("expected error without secret")
	}
	if _, err := NewManager(Config{Disabled: true}); err != nil {
		t.Fatalf("disabled auth needs no secret: %v", err)
	}
}

func TestMiddleware(t *testing.T) {
	mgr := newManager(t, Config{Secret: "secret"})
	token, _ := mgr.IssueToken("alice", time.Minute)

	var seen string
	h := mgr.Middleware(func(w http.ResponseWriter, r *http.Request, err error) {
		w.WriteHeader(http.StatusUnauthorized)
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = IdentityFrom(r.Context())
	}))

	for name, tc := range map[string]struct {
		header string
		code   int
		want   string
	}{
		"valid":   {header: "Bearer " + token, code: http.StatusOK, want: "alice"},
		"missing": {header: "", code: http.StatusUnauthorized},
		"scheme":  {header: "Basic abc", code: http.StatusUnauthorized},
		"garbage": {header: "Bearer abc.def.ghi", code: http.StatusUnauthorized},
	} {
		t.Run(name, func(t *testing.T) {
			seen = ""
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tc.code || seen != tc.want {
				t.Fatalf("code=%d seen=%q", rec.Code, seen)
			}
		})
	}
}

func TestDisabledUsesLocalIdentity(t *testing.T) {
	mgr := newManager(t, Config{Disabled: true})
	id, err := mgr.Authenticate(httptest.NewRequest(http.MethodGet, "/", nil))
	if err != nil || id != LocalIdentity {
		t.Fatalf("id=%q err=%v", id, err)
	}
}
