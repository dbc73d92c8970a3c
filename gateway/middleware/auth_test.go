package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const testSecret = "matching-test-secret"

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestAuthenticatorPlacesSubjectInContext(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{Enabled: true, HMACSecret: testSecret, Issuer: "ratematch"}, nil)
	var gotSubject string
	handler := auth.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSubject, _ = Subject(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	token := signToken(t, jwt.MapClaims{
		"sub": "0x00000000000000000000000000000000000000a1",
		"iss": "ratematch",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	req := httptest.NewRequest(http.MethodGet, "/v1/accounts/0x01", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	if gotSubject != "0x00000000000000000000000000000000000000a1" {
		t.Fatalf("unexpected subject %q", gotSubject)
	}
}

func TestAuthenticatorRejectsBadTokens(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{Enabled: true, HMACSecret: testSecret, Audience: "matching"}, nil)
	handler := auth.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	cases := map[string]string{
		"missing": "",
		"expired": signToken(t, jwt.MapClaims{"sub": "u", "aud": "matching", "exp": time.Now().Add(-time.Hour).Unix()}),
		"no_sub":  signToken(t, jwt.MapClaims{"aud": "matching", "exp": time.Now().Add(time.Hour).Unix()}),
		"no_exp":  signToken(t, jwt.MapClaims{"sub": "u", "aud": "matching"}),
		"bad_aud": signToken(t, jwt.MapClaims{"sub": "u", "aud": "other", "exp": time.Now().Add(time.Hour).Unix()}),
	}
	for name, token := range cases {
		req := httptest.NewRequest(http.MethodGet, "/v1/markets", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, req)
		if res.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", name, res.Code)
		}
	}
}

func TestAuthenticatorEnforcesScopes(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{Enabled: true, HMACSecret: testSecret}, nil)
	handler := auth.Middleware("matching:admin")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	user := signToken(t, jwt.MapClaims{"sub": "u", "scope": "matching:read", "exp": time.Now().Add(time.Hour).Unix()})
	admin := signToken(t, jwt.MapClaims{"sub": "ops", "scope": "matching:read matching:admin", "exp": time.Now().Add(time.Hour).Unix()})

	req := httptest.NewRequest(http.MethodPost, "/v1/admin/pause", nil)
	req.Header.Set("Authorization", "Bearer "+user)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for missing scope, got %d", res.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/admin/pause", nil)
	req.Header.Set("Authorization", "Bearer "+admin)
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 for admin scope, got %d", res.Code)
	}
}

func TestAuthenticatorDisabledPassesThrough(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{}, nil)
	handler := auth.Middleware("matching:admin")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := Subject(r.Context()); ok {
			t.Fatalf("unexpected subject without auth")
		}
		w.WriteHeader(http.StatusOK)
	}))
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/v1/markets", nil))
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
}
