package ingest

import (
	"fmt"
	"net/http"
)

// HeadersConfig configures the response security headers. The API only
// serves JSON, so framing, sniffing and caching are always refused.
type HeadersConfig struct {
	Enabled bool `yaml:"enabled"`
	// HSTSMaxAge is sent as Strict-Transport-Security on TLS requests.
	// Zero omits the header.
	HSTSMaxAge            int  `yaml:"hsts_max_age" validate:"min=0"`
	HSTSIncludeSubdomains bool `yaml:"hsts_include_subdomains"`
	// Custom headers are set last and may override the defaults.
	Custom map[string]string `yaml:"custom"`
}

// DefaultHeadersConfig returns the default header configuration.
func DefaultHeadersConfig() HeadersConfig {
	return HeadersConfig{
		Enabled:               true,
		HSTSMaxAge:            31536000,
		HSTSIncludeSubdomains: true,
	}
}

var apiHeaders = map[string]string{
	"X-Content-Type-Options":       "nosniff",
	"X-Frame-Options":              "DENY",
	"Content-Security-Policy":      "default-src 'none'; frame-ancestors 'none'",
	"Referrer-Policy":              "no-referrer",
	"Cache-Control":                "no-store",
	"Cross-Origin-Resource-Policy": "same-origin",
}

func headersMiddleware(next http.Handler, cfg HeadersConfig) http.Handler {
	var hsts string
	if cfg.HSTSMaxAge > 0 {
		hsts = fmt.Sprintf("max-age=%d", cfg.HSTSMaxAge)
		if cfg.HSTSIncludeSubdomains {
			hsts += "; includeSubDomains"
		}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		for k, v := range apiHeaders {
			h.Set(k, v)
		}
		if hsts != "" && r.TLS != nil {
			h.Set("Strict-Transport-Security", hsts)
		}
		for k, v := range cfg.Custom {
			h.Set(k, v)
		}
		next.ServeHTTP(w, r)
	})
}
