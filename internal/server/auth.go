// Package server provides the HTTP router, middleware, and read API of the proxy.
package server

import (
	"crypto/subtle"
	"net/http"

	"github.com/rs/cors"

	"github.com/robertof1lho/archestra-sub000/internal/gateway"
	"github.com/robertof1lho/archestra-sub000/internal/requestctx"
)

// APIKeyHeader carries the proxy API key. Authorization is left to the
// upstream provider key.
const APIKeyHeader = "X-Archestra-Key"

// AuthMiddleware validates X-Archestra-Key against apiKeys (key -> caller) and
// stores the caller in the request context. With no keys configured every
// request passes.
func AuthMiddleware(apiKeys map[string]string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(apiKeys) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(APIKeyHeader)
			var caller string
			if key != "" {
				for k, c := range apiKeys {
					if subtle.ConstantTimeCompare([]byte(k), []byte(key)) == 1 {
						caller = c
						break
					}
				}
			}
			if caller == "" {
				gateway.WriteOpenAIError(w, http.StatusUnauthorized, "invalid or missing API key", "authentication_error")
				return
			}
			next.ServeHTTP(w, r.WithContext(requestctx.SetCaller(r.Context(), caller)))
		})
	}
}

// CORSMiddleware allows browser clients from allowedOrigins.
func CORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", APIKeyHeader, gateway.AgentIDHeader},
		MaxAge:         300,
	}).Handler
}
