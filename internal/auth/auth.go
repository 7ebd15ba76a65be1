// Package auth reads the caller identity from the signed session token issued
// by the account service. Issuing tokens happens elsewhere.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nanainternational/nana-renewal-sub000/internal/config"
)

var (
	// ErrNoToken means the request carried neither a session cookie nor a bearer token.
	ErrNoToken = errors.New("no session token")
	// ErrInvalidToken covers bad signatures, expiry and missing subjects.
	ErrInvalidToken = errors.New("invalid session token")
)

// Claims are the session token claims. UserID falls back to the subject.
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"uid,omitempty"`
}

// Verifier validates HS256 session tokens.
type Verifier struct {
	secret     []byte
	issuer     string
	cookieName string
}

// NewVerifier returns nil when no secret is configured; a nil verifier treats
// every request as anonymous.
func NewVerifier(cfg config.AuthConfig) *Verifier {
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return nil
	}
	cookie := strings.TrimSpace(cfg.CookieName)
	if cookie == "" {
		cookie = "session"
	}
	return &Verifier{secret: []byte(cfg.JWTSecret), issuer: strings.TrimSpace(cfg.Issuer), cookieName: cookie}
}

// Verify parses a token and returns the user id it names.
func (v *Verifier) Verify(token string) (string, error) {
	if v == nil {
		return "", ErrNoToken
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) { return v.secret, nil }, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return "", ErrInvalidToken
	}
	user := strings.TrimSpace(claims.UserID)
	if user == "" {
		user = strings.TrimSpace(claims.Subject)
	}
	if user == "" {
		return "", fmt.Errorf("%w: token names no user", ErrInvalidToken)
	}
	return user, nil
}

// Identify reads the session cookie first, then an Authorization bearer header.
func (v *Verifier) Identify(r *http.Request) (string, error) {
	if v == nil {
		return "", ErrNoToken
	}
	if c, err := r.Cookie(v.cookieName); err == nil && strings.TrimSpace(c.Value) != "" {
		return v.Verify(strings.TrimSpace(c.Value))
	}
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") && strings.TrimSpace(parts[1]) != "" {
			return v.Verify(strings.TrimSpace(parts[1]))
		}
		return "", fmt.Errorf("%w: malformed authorization header", ErrInvalidToken)
	}
	return "", ErrNoToken
}

type ctxKey struct{}

// WithUserID stores the caller identity in ctx.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, userID)
}

// UserID returns the caller identity, or "" for anonymous requests.
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// Middleware attaches the caller identity when a valid token is present.
// Requests without a usable token continue anonymously; handlers that need a
// user reject them.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user, err := v.Identify(r); err == nil {
			r = r.WithContext(WithUserID(r.Context(), user))
		}
		next.ServeHTTP(w, r)
	})
}
