package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/certdesk/certdesk/request"
)

// ErrInvalidToken is returned when a bearer token fails verification.
var ErrInvalidToken = errors.New("invalid or expired token")

type contextKey string

const userContextKey contextKey = "user"

// tokenAuthority mints and verifies the HMAC-signed bearer tokens used for
// API authentication.
type tokenAuthority struct {
	secret []byte
}

func newTokenAuthority(secret []byte) *tokenAuthority {
	return &tokenAuthority{secret: secret}
}

type userClaims struct {
	Username string `json:"username"`
	Admin    bool   `json:"admin"`
	jwt.RegisteredClaims
}

// Mint issues a signed token for the given user.
func (ta *tokenAuthority) Mint(user request.User, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := userClaims{
		Username: user.Username,
		Admin:    user.Admin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(ta.secret)
}

// Verify parses and validates a token, returning the embedded user.
func (ta *tokenAuthority) Verify(tokenString string) (request.User, error) {
	var claims userClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return ta.secret, nil
	})
	if err != nil || !token.Valid {
		return request.User{}, ErrInvalidToken
	}
	return request.User{ID: claims.Subject, Username: claims.Username, Admin: claims.Admin}, nil
}

// MintToken issues a bearer token for out-of-band distribution (CLI, tests).
func (a *API) MintToken(user request.User, ttl time.Duration) (string, error) {
	return a.tokens.Mint(user, ttl)
}

// MintToken issues a bearer token signed with secret, without needing a full
// API instance. Used by the CLI.
func MintToken(secret []byte, user request.User, ttl time.Duration) (string, error) {
	return newTokenAuthority(secret).Mint(user, ttl)
}

// AuthMiddleware requires a valid bearer token and stores the caller in the
// request context.
func (a *API) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		tokenString, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || tokenString == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		user, err := a.tokens.Verify(tokenString)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		ctx := context.WithValue(r.Context(), userContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin rejects non-admin callers. Must run after AuthMiddleware.
func (a *API) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !currentUser(r).Admin {
			writeError(w, http.StatusForbidden, "admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// currentUser returns the authenticated caller stored by AuthMiddleware.
func currentUser(r *http.Request) request.User {
	user, _ := r.Context().Value(userContextKey).(request.User)
	return user
}
