package middleware

import (
	"net/http"
	"strings"
)

const (
	corsAllowHeaders = "Content-Type, Authorization"
	corsAllowMethods = "GET, POST, PATCH, OPTIONS"
)

// CORS sets Access-Control headers for the browser dashboard and answers
// OPTIONS requests directly. A "*" entry allows any origin; credentials are
// only advertised to explicitly listed origins.
func CORS(allowedOrigins []string, next http.Handler) http.Handler {
	allowAll := false
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		origin = strings.ToLower(strings.TrimRight(strings.TrimSpace(origin), "/"))
		switch origin {
		case "":
		case "*":
			allowAll = true
		default:
			allowed[origin] = struct{}{}
		}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" {
			h := w.Header()
			h.Add("Vary", "Origin")
			if _, ok := allowed[strings.ToLower(origin)]; ok {
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Credentials", "true")
			} else if allowAll {
				h.Set("Access-Control-Allow-Origin", "*")
			}
			if h.Get("Access-Control-Allow-Origin") != "" {
				h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
				h.Set("Access-Control-Allow-Methods", corsAllowMethods)
				h.Set("Access-Control-Max-Age", "600")
			}
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
