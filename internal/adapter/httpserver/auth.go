package httpserver

import (
	"crypto/subtle"
	"fmt"
	"net/http"

	"github.com/fairyhunter13/media-orchestrator/internal/domain"
)

// APIKeyGuard rejects requests whose X-API-Key header does not match
// the configured key, using a constant-time compare. An empty
// configured key disables the guard (dev and test).
func APIKeyGuard(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				next.ServeHTTP(w, r)
				return
			}
			got := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(got), []byte(apiKey)) != 1 {
				writeError(w, r, fmt.Errorf("%w: missing or invalid api key", domain.ErrUnauthorized), nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
