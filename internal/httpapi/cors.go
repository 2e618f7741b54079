package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/jokerjunya/ticket-get/internal/config"
)

// corsMiddleware 只放行配置里的来源；"*" 表示任意来源。
func corsMiddleware(cfg config.CorsConfig, next http.Handler) http.Handler {
	allowHeaders := strings.Join([]string{"Content-Type", "Authorization"}, ", ")
	allowMethods := strings.Join([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions}, ", ")
	maxAge := strconv.Itoa(600)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := allowedOrigin(cfg.AllowOrigins, r.Header.Get("Origin")); origin != "" {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			if origin != "*" {
				h.Add("Vary", "Origin")
			}
			if cfg.AllowCredentials && origin != "*" {
				h.Set("Access-Control-Allow-Credentials", "true")
			}
			h.Set("Access-Control-Allow-Headers", allowHeaders)
			h.Set("Access-Control-Allow-Methods", allowMethods)
			h.Set("Access-Control-Max-Age", maxAge)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func allowedOrigin(allow []string, origin string) string {
	for _, o := range allow {
		if o == "*" {
			return "*"
		}
		if origin != "" && strings.EqualFold(o, origin) {
			return origin
		}
	}
	return ""
}
