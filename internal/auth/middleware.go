package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

type contextKey string

const (
	claimsKey   contextKey = "claims"
	identityKey contextKey = "identity"
)

// Middleware extracts and validates JWT from the Authorization header.
// If valid, the claims are stored in the request context.
func Middleware(authSvc *Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !authSvc.TokensEnabled() {
				next.ServeHTTP(w, r)
				return
			}
			header := r.Header.Get("Authorization")
			if header == "" {
				next.ServeHTTP(w, r)
				return
			}
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			claims, err := authSvc.ValidateToken(token)
			if err != nil {
				writeUnauthorized(w, err.Error())
				return
			}
			ctx := context.WithValue(r.Context(), claimsKey, claims)
			ctx = context.WithValue(ctx, identityKey, claims.Username)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetClaims retrieves the JWT claims from a request context. Returns nil if unauthenticated.
func GetClaims(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsKey).(*Claims)
	return c
}

// Identity returns the authenticated username, or "" for anonymous
// requests.
func Identity(ctx context.Context) string {
	id, _ := ctx.Value(identityKey).(string)
	return id
}

// RequireAuth rejects unauthenticated requests when tokens are enabled.
func RequireAuth(authSvc *Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if authSvc.TokensEnabled() && GetClaims(r.Context()) == nil {
				writeUnauthorized(w, "authentication required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

var errAuthRequired = errors.New("authentication required")

// ProtocolAuthorizer guards git pushes. Fetches stay anonymous. A push
// needs a bearer token or HTTP Basic credentials accepted by
// AuthenticateBasic once any credential source is configured.
func ProtocolAuthorizer(authSvc *Service) func(r *http.Request, slug string, write bool) (int, error) {
	return func(r *http.Request, slug string, write bool) (int, error) {
		if !write || !authSvc.Enabled() {
			return http.StatusOK, nil
		}
		if GetClaims(r.Context()) != nil {
			return http.StatusOK, nil
		}
		username, password, ok := r.BasicAuth()
		if !ok {
			return http.StatusUnauthorized, errAuthRequired
		}
		if _, err := authSvc.AuthenticateBasic(username, password); err != nil {
			return http.StatusUnauthorized, err
		}
		return http.StatusOK, nil
	}
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":{"code":"unauthorized","message":"` + msg + `"}}`))
}
