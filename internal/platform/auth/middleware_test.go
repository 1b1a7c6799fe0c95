package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only")

func createTestToken(t *testing.T, claims Claims, key []byte) string {
	t.Helper()
	tokenStr, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return tokenStr
}

func validClaims() Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-123",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		TenantID: "clinic_a",
		Roles:    []string{RolePrescriber},
		Scopes:   []string{"eprescribe"},
	}
}

func runMiddleware(mw echo.MiddlewareFunc, path, authHeader string) (echo.Context, bool, error) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	c := e.NewContext(req, httptest.NewRecorder())
	called := false
	err := mw(func(echo.Context) error {
		called = true
		return nil
	})(c)
	return c, called, err
}

func expectStatus(t *testing.T, err error, code int) {
	t.Helper()
	var httpErr *echo.HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected echo.HTTPError, got %v", err)
	}
	if httpErr.Code != code {
		t.Errorf("expected %d, got %d", code, httpErr.Code)
	}
}

func TestJWTMiddleware_MissingHeader(t *testing.T) {
	_, called, err := runMiddleware(JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), "/api/v1/eprescribe/status", "")
	expectStatus(t, err, http.StatusUnauthorized)
	if called {
		t.Error("handler must not run")
	}
}

func TestJWTMiddleware_InvalidFormat(t *testing.T) {
	for _, header := range []string{"Token abc123", "Bearer", "Bearer ", "Basic dXNlcjpwYXNz"} {
		t.Run(header, func(t *testing.T) {
			_, _, err := runMiddleware(JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), "/", header)
			expectStatus(t, err, http.StatusUnauthorized)
		})
	}
}

func TestJWTMiddleware_ClaimsExtraction(t *testing.T) {
	token := createTestToken(t, validClaims(), testSigningKey)
	c, called, err := runMiddleware(JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), "/", "Bearer "+token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("handler was not called")
	}

	ctx := c.Request().Context()
	if got := UserIDFromContext(ctx); got != "user-123" {
		t.Errorf("expected user-123, got %s", got)
	}
	if roles := RolesFromContext(ctx); len(roles) != 1 || roles[0] != RolePrescriber {
		t.Errorf("unexpected roles %v", roles)
	}
	if scopes := ScopesFromContext(ctx); len(scopes) != 1 {
		t.Errorf("unexpected scopes %v", scopes)
	}
	if tid, _ := c.Get("jwt_tenant_id").(string); tid != "clinic_a" {
		t.Errorf("expected jwt_tenant_id clinic_a, got %q", tid)
	}
}

func TestJWTMiddleware_Rejects(t *testing.T) {
	expired := validClaims()
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))

	wrongIssuer := validClaims()
	wrongIssuer.Issuer = "https://other"

	tests := []struct {
		name  string
		token string
	}{
		{"expired", createTestToken(t, expired, testSigningKey)},
		{"wrong key", createTestToken(t, validClaims(), []byte("another-key"))},
		{"wrong issuer", createTestToken(t, wrongIssuer, testSigningKey)},
		{"garbage", "not.a.jwt"},
	}
	mw := JWTMiddleware(JWTConfig{SigningKey: testSigningKey, Issuer: "https://idp"})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, called, err := runMiddleware(mw, "/", "Bearer "+tt.token)
			expectStatus(t, err, http.StatusUnauthorized)
			if called {
				t.Error("handler must not run")
			}
		})
	}
}

func TestJWTMiddleware_SkipsPublicPaths(t *testing.T) {
	mw := JWTMiddleware(JWTConfig{SigningKey: testSigningKey, Skipper: AuthSkipper})
	for _, path := range []string{"/health", "/ready", "/webhooks/dosespot"} {
		_, called, err := runMiddleware(mw, path, "")
		if err != nil || !called {
			t.Errorf("%s: expected skip, err=%v", path, err)
		}
	}
	_, _, err := runMiddleware(mw, "/api/v1/eprescribe/status", "")
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_JWKS(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	jwks := JWKSResponse{Keys: []JWKSKey{{
		Kty: "RSA",
		Kid: "k1",
		Use: "sig",
		Alg: "RS256",
		N:   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
	}}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(jwks)
	}))
	defer srv.Close()

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, validClaims())
	tok.Header["kid"] = "k1"
	signed, err := tok.SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	mw := JWTMiddleware(JWTConfig{JWKSURL: srv.URL})
	if _, called, err := runMiddleware(mw, "/", "Bearer "+signed); err != nil || !called {
		t.Fatalf("expected RS256 token to validate, err=%v", err)
	}

	// HS256 must not be accepted when JWKS is configured.
	hs := createTestToken(t, validClaims(), testSigningKey)
	_, _, err = runMiddleware(mw, "/", "Bearer "+hs)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWKSCache_UnknownKid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"keys":[]}`))
	}))
	defer srv.Close()

	if _, err := NewJWKSCache(srv.URL, time.Minute).GetKey("missing"); err == nil {
		t.Error("expected error for unknown kid")
	}
}

func TestDevAuthMiddleware(t *testing.T) {
	c, called, err := runMiddleware(DevAuthMiddleware(AuthSkipper), "/api/v1/eprescribe/status", "")
	if err != nil || !called {
		t.Fatalf("unexpected err=%v called=%v", err, called)
	}
	ctx := c.Request().Context()
	if UserIDFromContext(ctx) != "dev-user" {
		t.Errorf("expected dev-user, got %s", UserIDFromContext(ctx))
	}
	if !HasRole(ctx, RolePrescriber) {
		t.Error("expected dev admin to satisfy prescriber role")
	}
}

func TestDevAuthMiddleware_SkipsPublicPaths(t *testing.T) {
	c, called, _ := runMiddleware(DevAuthMiddleware(AuthSkipper), "/webhooks/dosespot", "")
	if !called {
		t.Fatal("expected handler to run")
	}
	if UserIDFromContext(c.Request().Context()) != "" {
		t.Error("webhooks must not receive a dev identity")
	}
}

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name  string
		roles []string
		want  int
	}{
		{"prescriber allowed", []string{RolePrescriber}, 0},
		{"admin bypass", []string{RoleAdmin}, 0},
		{"nurse denied", []string{"nurse"}, http.StatusForbidden},
		{"no roles denied", nil, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			req = req.WithContext(context.WithValue(req.Context(), UserRolesKey, tt.roles))
			c := e.NewContext(req, httptest.NewRecorder())

			err := RequireRole(RolePrescriber)(func(echo.Context) error { return nil })(c)
			if tt.want == 0 {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			expectStatus(t, err, tt.want)
		})
	}
}

func TestIsPublicPath(t *testing.T) {
	tests := map[string]bool{
		"/health":                      true,
		"/ready":                       true,
		"/webhooks/dosespot":           true,
		"/api/v1/eprescribe/status":    false,
		"/healthz":                     false,
		"/api/v1/eprescribe/webhooks/": false,
	}
	for path, want := range tests {
		if got := IsPublicPath(path); got != want {
			t.Errorf("IsPublicPath(%q) = %v, want %v", path, got, want)
		}
	}
}
