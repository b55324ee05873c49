// Package security sets hardening headers on every HTTP response.
package security

import "net/http"

const (
	defaultFrameOptions       = "SAMEORIGIN"
	defaultReferrerPolicy     = "no-referrer"
	defaultContentTypeOptions = "nosniff"
)

// The player page loads hls.js from jsdelivr and plays media from blob: URLs.
const defaultContentSecurityPolicy = "default-src 'self'; " +
	"script-src 'self' 'unsafe-inline' https://cdn.jsdelivr.net; " +
	"style-src 'self' 'unsafe-inline'; " +
	"img-src 'self' data: blob:; " +
	"media-src 'self' blob:; " +
	"connect-src 'self' ws: wss:; " +
	"object-src 'none'; " +
	"base-uri 'self'; " +
	"frame-ancestors 'self'"

// Config controls the response headers. Zero-valued fields fall back to defaults.
type Config struct {
	ContentSecurityPolicy string
	FrameOptions          string
	ReferrerPolicy        string
	ContentTypeOptions    string
}

func (cfg Config) withDefaults() Config {
	if cfg.ContentSecurityPolicy == "" {
		cfg.ContentSecurityPolicy = defaultContentSecurityPolicy
	}
	if cfg.FrameOptions == "" {
		cfg.FrameOptions = defaultFrameOptions
	}
	if cfg.ReferrerPolicy == "" {
		cfg.ReferrerPolicy = defaultReferrerPolicy
	}
	if cfg.ContentTypeOptions == "" {
		cfg.ContentTypeOptions = defaultContentTypeOptions
	}
	return cfg
}

// Headers returns chi-compatible middleware applying cfg.
func Headers(cfg Config) func(next http.Handler) http.Handler {
	effective := cfg.withDefaults()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("Content-Security-Policy", effective.ContentSecurityPolicy)
			h.Set("X-Frame-Options", effective.FrameOptions)
			h.Set("X-Content-Type-Options", effective.ContentTypeOptions)
			h.Set("Referrer-Policy", effective.ReferrerPolicy)
			next.ServeHTTP(w, r)
		})
	}
}
