package shield

import "net/http"

// HeaderConfig lists the security headers set on every response. Empty
// values are skipped.
type HeaderConfig struct {
	CSP                 string
	XFrameOptions       string
	XContentTypeOptions string
	ReferrerPolicy      string
	CacheControl        string
}

// DefaultHeaders fits a JSON-only API whose capture data must never be
// cached or framed.
func DefaultHeaders() HeaderConfig {
	return HeaderConfig{
		CSP:                 "default-src 'none'; frame-ancestors 'none'",
		XFrameOptions:       "DENY",
		XContentTypeOptions: "nosniff",
		ReferrerPolicy:      "no-referrer",
		CacheControl:        "no-store",
	}
}

func (c HeaderConfig) pairs() [][2]string {
	all := [][2]string{
		{"Content-Security-Policy", c.CSP},
		{"X-Frame-Options", c.XFrameOptions},
		{"X-Content-Type-Options", c.XContentTypeOptions},
		{"Referrer-Policy", c.ReferrerPolicy},
		{"Cache-Control", c.CacheControl},
	}
	out := all[:0]
	for _, p := range all {
		if p[1] != "" {
			out = append(out, p)
		}
	}
	return out
}

// SecurityHeaders sets the configured headers before the handler runs, so
// error responses carry them too.
func SecurityHeaders(cfg HeaderConfig) func(http.Handler) http.Handler {
	pairs := cfg.pairs()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			for _, p := range pairs {
				h.Set(p[0], p[1])
			}
			next.ServeHTTP(w, r)
		})
	}
}
