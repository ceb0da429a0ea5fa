package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/onnwee/wayfare/internal/auth"
)

// TokenValidator validates bearer tokens; auth.JWTService satisfies it.
type TokenValidator interface {
	ValidateToken(token string) (*auth.Claims, error)
}

// Error codes written by middleware. They match the API's error codes.
const (
	errCodeAuthFailed  = "auth_failed"
	errCodeRateLimited = "rate_limited"
)

// RequireAuth rejects requests without a valid bearer token and stores the
// token's user ID and display name in the context. Paths listed in public
// pass through untouched.
//
// Browsers cannot set headers on websocket handshakes, so an access_token
// query parameter is accepted as well.
func RequireAuth(validator TokenValidator, public ...string) func(http.Handler) http.Handler {
	open := make(map[string]bool, len(public))
	for _, p := range public {
		open[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if open[r.URL.Path] || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			token := bearerToken(r)
			if token == "" {
				writeMiddlewareError(w, r, http.StatusUnauthorized, errCodeAuthFailed, "Authentication required")
				return
			}

			claims, err := validator.ValidateToken(token)
			if err != nil {
				msg := "Invalid token"
				if errors.Is(err, auth.ErrExpiredToken) {
					msg = "Token has expired"
				}
				writeMiddlewareError(w, r, http.StatusUnauthorized, errCodeAuthFailed, msg)
				return
			}

			ctx := SetUserID(r.Context(), claims.UserID())
			if claims.Name != "" {
				ctx = SetUserName(ctx, claims.Name)
			} else if local, _, ok := strings.Cut(claims.Email, "@"); ok && local != "" {
				ctx = SetUserName(ctx, local)
			}
			reportIdentity(ctx, claims.UserID())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("access_token")
}

// writeMiddlewareError writes the API's JSON error body. The api package
// imports middleware, so the format is reproduced here.
func writeMiddlewareError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	UpdateResponseContext(w, SetErrorCode(r.Context(), code))

	body := map[string]map[string]string{
		"error": {"code": code, "message": message},
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
