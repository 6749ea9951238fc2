// Package middleware provides HTTP middleware gating the operator
// admin surface with the JWT issued by package auth.
package middleware

import (
	"net/http"
	"strings"

	"github.com/duskline/langrelay/auth"
)

// RequireAdmin validates the Bearer JWT on every request. There is only
// one operator role, so there is no separate role check beyond a valid
// token — unlike the multi-role system this is adapted from.
func RequireAdmin(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if raw == "" {
				writeError(w, http.StatusUnauthorized, "missing authorization header")
				return
			}
			if _, err := auth.ParseAccessToken(secret, raw); err != nil {
				writeError(w, http.StatusUnauthorized, err.Error())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
