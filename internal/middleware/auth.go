package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	licenseErrors "desklicense/internal/errors"
)

// AdminToken guards the admin API with a static bearer token. An empty
// token disables the check, which is only meant for local development.
func AdminToken(token string, logger *slog.Logger) func(next http.Handler) http.Handler {
	expected := []byte(token)
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			scheme, presented, ok := strings.Cut(r.Header.Get("Authorization"), " ")
			if !ok || !strings.EqualFold(scheme, "bearer") ||
				subtle.ConstantTimeCompare([]byte(strings.TrimSpace(presented)), expected) != 1 {
				logger.LogAttrs(ctx, slog.LevelWarn, "authentication failed",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("remote_addr", r.RemoteAddr),
				)
				w.Header().Set("WWW-Authenticate", `Bearer realm="desklicense"`)
				writeProblem(w, r, licenseErrors.ErrUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
