package api

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testKid = "test-key-1"

func newSigningKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	return key
}

func newJWKSServer(t *testing.T, pub *rsa.PublicKey) *httptest.Server {
	t.Helper()
	jwks := map[string]interface{}{
		"keys": []map[string]string{{
			"kid": testKid,
			"kty": "RSA",
			"use": "sig",
			"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		}},
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(jwks)
	}))
	t.Cleanup(server.Close)
	return server
}

func signToken(t *testing.T, key *rsa.PrivateKey, claims jwt.MapClaims) string {
	t.Helper()
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(time.Hour).Unix()
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKid
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func runAuth(mw func(http.Handler) http.Handler, token string) (*httptest.ResponseRecorder, string) {
	var gotSub string
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSub, _ = GetClerkUserID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest("GET", "/searches", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec, gotSub
}

func TestClerkAuthMiddleware_ValidToken(t *testing.T) {
	key := newSigningKey(t)
	jwks := newJWKSServer(t, &key.PublicKey)
	mw := ClerkAuthMiddleware(jwks.URL, "", "")

	token := signToken(t, key, jwt.MapClaims{"sub": "user_clerk_1"})
	rec, sub := runAuth(mw, token)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if sub != "user_clerk_1" {
		t.Fatalf("expected subject in context, got %q", sub)
	}
}

func TestClerkAuthMiddleware_MissingHeader(t *testing.T) {
	key := newSigningKey(t)
	jwks := newJWKSServer(t, &key.PublicKey)
	mw := ClerkAuthMiddleware(jwks.URL, "", "")

	rec, _ := runAuth(mw, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", rec.Code)
	}
}

func TestClerkAuthMiddleware_EnforcesConfiguredAudience(t *testing.T) {
	key := newSigningKey(t)
	jwks := newJWKSServer(t, &key.PublicKey)
	mw := ClerkAuthMiddleware(jwks.URL, "affiliate-finder", "")

	wrong := signToken(t, key, jwt.MapClaims{"sub": "user_clerk_1", "aud": "another-app"})
	rec, _ := runAuth(mw, wrong)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong audience, got %d", rec.Code)
	}

	right := signToken(t, key, jwt.MapClaims{"sub": "user_clerk_1", "aud": "affiliate-finder"})
	rec, _ = runAuth(mw, right)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for matching audience, got %d", rec.Code)
	}
}

func TestClerkAuthMiddleware_EnforcesConfiguredIssuer(t *testing.T) {
	key := newSigningKey(t)
	jwks := newJWKSServer(t, &key.PublicKey)
	mw := ClerkAuthMiddleware(jwks.URL, "", "https://clerk.example.com")

	wrong := signToken(t, key, jwt.MapClaims{"sub": "user_clerk_1", "iss": "https://evil.example.com"})
	rec, _ := runAuth(mw, wrong)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong issuer, got %d", rec.Code)
	}
}

func TestClerkAuthMiddleware_RejectsForgedSignature(t *testing.T) {
	key := newSigningKey(t)
	otherKey := newSigningKey(t)
	jwks := newJWKSServer(t, &key.PublicKey)
	mw := ClerkAuthMiddleware(jwks.URL, "", "")

	forged := signToken(t, otherKey, jwt.MapClaims{"sub": "user_clerk_1"})
	rec, _ := runAuth(mw, forged)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for forged token, got %d", rec.Code)
	}
}
