package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/labstack/echo/v4"
)

func signHS256(t *testing.T, secret []byte, claims jwt.MapClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func TestBearerTokenFromString(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    string
		wantErr error
	}{
		{name: "ok", header: "Bearer header.payload.signature", want: "header.payload.signature"},
		{name: "padded", header: "  Bearer a.b.c  ", want: "a.b.c"},
		{name: "missing", header: "", wantErr: errMissingAuthorization},
		{name: "blank", header: "   ", wantErr: errMissingAuthorization},
		{name: "wrong scheme", header: "Basic a.b.c", wantErr: errBadAuthorization},
		{name: "many periods", header: "Bearer " + strings.Repeat(".", 1000), wantErr: errBadAuthorization},
		{name: "prefix only", header: "Bearer ", wantErr: errBadAuthorization},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := bearerTokenFromString(tt.header)
			if err != tt.wantErr {
				t.Fatalf("expected error %v, got %v", tt.wantErr, err)
			}
			if got != tt.want {
				t.Fatalf("unexpected token %q", got)
			}
		})
	}
}

func TestUserIDFromBearerHS256(t *testing.T) {
	secret := []byte("test-secret")
	auth, err := NewAuth(AuthConfig{Mode: AuthModeHS256, Secret: secret, Audience: "api://aud", Issuer: "https://issuer/"})
	if err != nil {
		t.Fatalf("new auth: %v", err)
	}
	signed := signHS256(t, secret, jwt.MapClaims{
		"sub": "user-123",
		"aud": "api://aud",
		"iss": "https://issuer/",
		"exp": time.Now().Add(5 * time.Minute).Unix(),
		"nbf": time.Now().Add(-time.Minute).Unix(),
	})

	userID, err := auth.UserIDFromBearer(signed)
	if err != nil {
		t.Fatalf("unexpected error verifying token: %v", err)
	}
	if userID != "user-123" {
		t.Fatalf("unexpected user id: %s", userID)
	}

	if _, err := auth.UserIDFromBearer(signHS256(t, []byte("other"), jwt.MapClaims{"sub": "x", "exp": time.Now().Add(time.Minute).Unix()})); err == nil {
		t.Fatal("expected token signed with another secret to be rejected")
	}
	expired := signHS256(t, secret, jwt.MapClaims{"sub": "x", "aud": "api://aud", "iss": "https://issuer/", "exp": time.Now().Add(-time.Hour).Unix()})
	if _, err := auth.UserIDFromBearer(expired); err == nil {
		t.Fatal("expected expired token to be rejected")
	}
}

func TestNewAuthModes(t *testing.T) {
	if a, err := NewAuth(AuthConfig{}); err != nil || a != nil {
		t.Fatalf("expected auth to be disabled, got %v %v", a, err)
	}
	if _, err := NewAuth(AuthConfig{Mode: AuthModeHS256}); err == nil {
		t.Fatal("expected missing secret to be rejected")
	}
	if _, err := NewAuth(AuthConfig{Mode: AuthModeJWKS}); err == nil {
		t.Fatal("expected missing key set to be rejected")
	}
	if _, err := NewAuth(AuthConfig{Mode: "saml"}); err == nil {
		t.Fatal("expected unknown mode to be rejected")
	}
}

func TestTaskRoutesRequireAuthWhenEnabled(t *testing.T) {
	secret := []byte("routes-secret")
	auth, err := NewAuth(AuthConfig{Mode: AuthModeHS256, Secret: secret})
	if err != nil {
		t.Fatalf("new auth: %v", err)
	}
	e := newTestServer(Deps{Store: newMemStore(), Auth: auth})

	if rec := doRequest(e, http.MethodGet, "/tasks", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", rec.Code)
	}
	// query tokens are only honoured on the stream
	signed := signHS256(t, secret, jwt.MapClaims{"sub": "u", "exp": time.Now().Add(time.Hour).Unix()})
	if rec := doRequest(e, http.MethodGet, "/tasks?token="+signed, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for query token got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/tasks", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+signed)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	if got := doRequest(e, http.MethodGet, "/up", ""); got.Code != http.StatusOK {
		t.Fatalf("health check must stay public, got %d", got.Code)
	}
}

