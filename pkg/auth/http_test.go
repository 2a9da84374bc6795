package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func signHS256(t *testing.T, secret string, claims map[string]any) string {
	t.Helper()
	header, _ := json.Marshal(map[string]string{"alg": "HS256", "typ": "JWT"})
	payload, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	head := base64.RawURLEncoding.EncodeToString(header)
	body := base64.RawURLEncoding.EncodeToString(payload)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(head + "." + body))
	return head + "." + body + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func TestMiddlewareOffInjectsAnonymous(t *testing.T) {
	var got Principal
	h := Middleware("off", "")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = PrincipalFromContext(r.Context())
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if got.Subject != "anonymous" {
		t.Fatalf("principal = %+v", got)
	}
}

func TestMiddlewareHS256(t *testing.T) {
	secret := "s3cret"
	token := signHS256(t, secret, map[string]any{
		"sub":   "user-1",
		"roles": []string{"geoadmin"},
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	var got Principal
	h := Middleware("oidc_hs256", secret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = PrincipalFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if got.Subject != "user-1" || !HasAnyRole(got, "geoadmin") {
		t.Fatalf("principal = %+v", got)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: %d", rec.Code)
	}
}

func TestVerifyHS256Rejects(t *testing.T) {
	secret := "s3cret"
	now := time.Now().UTC()
	cases := []struct {
		name  string
		token string
	}{
		{"expired", signHS256(t, secret, map[string]any{"sub": "u", "exp": now.Add(-time.Minute).Unix()})},
		{"no subject", signHS256(t, secret, map[string]any{"exp": now.Add(time.Hour).Unix()})},
		{"wrong secret", signHS256(t, "other", map[string]any{"sub": "u", "exp": now.Add(time.Hour).Unix()})},
		{"not yet valid", signHS256(t, secret, map[string]any{"sub": "u", "exp": now.Add(time.Hour).Unix(), "nbf": now.Add(time.Minute).Unix()})},
		{"garbage", "a.b"},
	}
	for _, tc := range cases {
		if _, err := VerifyHS256Token(tc.token, secret, now, "", ""); err == nil {
			t.Fatalf("%s: verification should fail", tc.name)
		}
	}
}

func TestVerifyHS256IssuerAudience(t *testing.T) {
	secret := "s3cret"
	now := time.Now().UTC()
	token := signHS256(t, secret, map[string]any{
		"sub": "u",
		"exp": now.Add(time.Hour).Unix(),
		"iss": "https://issuer.example",
		"aud": []string{"geo-authz"},
	})
	if _, err := VerifyHS256Token(token, secret, now, "https://issuer.example", "geo-authz"); err != nil {
		t.Fatalf("valid issuer/audience rejected: %v", err)
	}
	if _, err := VerifyHS256Token(token, secret, now, "https://other.example", ""); err == nil {
		t.Fatal("issuer mismatch accepted")
	}
	if _, err := VerifyHS256Token(token, secret, now, "", "other-aud"); err == nil {
		t.Fatal("audience mismatch accepted")
	}
}

func TestHasAnyRole(t *testing.T) {
	p := Principal{Subject: "u", Roles: []string{"Viewer", "coordinator"}}
	if !HasAnyRole(p, "viewer") {
		t.Fatal("case-insensitive match failed")
	}
	if HasAnyRole(p, "geoadmin") {
		t.Fatal("unexpected role match")
	}
	if !HasAnyRole(p) {
		t.Fatal("empty requirement must pass")
	}
}

func TestSingleRoleClaimString(t *testing.T) {
	secret := "s3cret"
	now := time.Now().UTC()
	token := signHS256(t, secret, map[string]any{
		"sub":   "u",
		"roles": "viewer",
		"exp":   now.Add(time.Hour).Unix(),
	})
	claims, err := VerifyHS256Token(token, secret, now, "", "")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if len(claims.Roles) != 1 || claims.Roles[0] != "viewer" {
		t.Fatalf("roles = %v", claims.Roles)
	}
}
