package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"
	"github.com/labstack/echo/v4"
)

const (
	DefaultJWKSCacheTTL = 15 * time.Minute

	AuthModeNone  = ""
	AuthModeHS256 = "hs256"
	AuthModeJWKS  = "jwks"

	userIDContextKey = "user_id"
	// anonymousScope keys idempotency records when the API runs without auth.
	anonymousScope = "board"
)

// AuthConfig selects how bearer tokens are verified.
type AuthConfig struct {
	Mode        string
	Secret      []byte
	JWKS        *keyfunc.JWKS
	Audience    string
	Issuer      string
	KeyCacheTTL time.Duration
}

// Auth validates incoming JWT tokens.
type Auth struct {
	JWKS     *keyfunc.JWKS
	Audience string
	Issuer   string
	Secret   []byte

	parser      *jwt.Parser
	keyCache    sync.Map
	keyCacheTTL time.Duration
}

type cachedKey struct {
	key       any
	expiresAt time.Time
}

// NewAuth creates an Auth for the configured mode. It returns nil, nil when
// auth is disabled.
func NewAuth(cfg AuthConfig) (*Auth, error) {
	a := &Auth{JWKS: cfg.JWKS, Audience: cfg.Audience, Issuer: cfg.Issuer, keyCacheTTL: cfg.KeyCacheTTL}
	switch strings.ToLower(cfg.Mode) {
	case AuthModeNone:
		return nil, nil
	case AuthModeHS256:
		if len(cfg.Secret) == 0 {
			return nil, errors.New("hs256 auth requires a shared secret")
		}
		a.Secret = cfg.Secret
		a.parser = jwt.NewParser(jwt.WithValidMethods([]string{"HS256"}))
	case AuthModeJWKS:
		if cfg.JWKS == nil {
			return nil, errors.New("jwks auth requires a key set")
		}
		a.parser = jwt.NewParser(jwt.WithValidMethods([]string{"RS256"}))
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.Mode)
	}
	return a, nil
}

// UserIDFromAuthHeader extracts the user identifier from the Authorization header.
func (a *Auth) UserIDFromAuthHeader(h string) (string, error) {
	token, err := bearerTokenFromString(h)
	if err != nil {
		return "", err
	}
	return a.UserIDFromBearer(token)
}

// UserIDFromBearer verifies a raw token and returns its subject.
func (a *Auth) UserIDFromBearer(token string) (string, error) {
	if token == "" {
		return "", errBadAuthorization
	}
	parsed, err := a.parser.Parse(token, a.keyForToken)
	if err != nil {
		return "", err
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid claims")
	}

	now := time.Now().Add(time.Minute).Unix()
	if !claims.VerifyExpiresAt(now, true) {
		return "", errors.New("token expired")
	}
	if !claims.VerifyNotBefore(now, false) {
		return "", errors.New("token not valid yet")
	}
	if a.Audience != "" && !claims.VerifyAudience(a.Audience, false) {
		return "", errors.New("invalid audience")
	}
	if a.Issuer != "" && !claims.VerifyIssuer(a.Issuer, false) {
		return "", errors.New("invalid issuer")
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", errors.New("missing sub")
	}
	return sub, nil
}

func (a *Auth) keyForToken(token *jwt.Token) (any, error) {
	if a.Secret != nil {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return a.Secret, nil
	}
	if a.JWKS == nil {
		return nil, errors.New("jwks not configured")
	}

	kid, _ := token.Header["kid"].(string)
	if kid != "" && a.keyCacheTTL > 0 {
		if cached, ok := a.keyCache.Load(kid); ok {
			entry := cached.(cachedKey)
			if time.Now().Before(entry.expiresAt) {
				return entry.key, nil
			}
			a.keyCache.Delete(kid)
		}
	}

	key, err := a.JWKS.Keyfunc(token)
	if err != nil {
		return nil, err
	}
	if kid != "" && a.keyCacheTTL > 0 {
		a.keyCache.Store(kid, cachedKey{key: key, expiresAt: time.Now().Add(a.keyCacheTTL)})
	}
	return key, nil
}

// requireAuth rejects requests without a valid bearer token. Stream clients
// that cannot set headers may pass the token as ?token=.
func requireAuth(auth Authenticator, allowQueryToken bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		if auth == nil {
			return next
		}
		return func(c echo.Context) error {
			header := c.Request().Header.Get(echo.HeaderAuthorization)
			if header == "" && allowQueryToken {
				if token := c.QueryParam("token"); token != "" {
					header = "Bearer " + token
				}
			}
			start := time.Now()
			userID, err := auth.UserIDFromAuthHeader(header)
			c.Set("auth_duration", time.Since(start))
			if err != nil {
				return c.JSON(http.StatusUnauthorized, errorResponse{Error: err.Error()})
			}
			c.Set(userIDContextKey, userID)
			return next(c)
		}
	}
}

func userIDFromContext(c echo.Context) string {
	if id, ok := c.Get(userIDContextKey).(string); ok && id != "" {
		return id
	}
	return anonymousScope
}

func authDurationFromContext(c echo.Context) time.Duration {
	d, _ := c.Get("auth_duration").(time.Duration)
	return d
}
