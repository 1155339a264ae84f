package middleware

import (
	"strings"

	"github.com/labstack/echo/v4"
)

// SecurityHeadersConfig controls the headers that depend on deployment.
type SecurityHeadersConfig struct {
	// FrameAncestors are the origins allowed to embed the HTML evidence
	// fragments. Empty means no framing at all.
	FrameAncestors []string
	// HSTS enables Strict-Transport-Security.
	HSTS bool
}

// SecurityHeaders sets security response headers on every request. Summaries
// and evidence excerpts are patient data, so nothing is cached.
func SecurityHeaders(cfg SecurityHeadersConfig) echo.MiddlewareFunc {
	csp := contentSecurityPolicy(cfg.FrameAncestors)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()

			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-XSS-Protection", "0")
			h.Set("Content-Security-Policy", csp)
			// X-Frame-Options cannot name origins; CSP governs framing then.
			if len(cfg.FrameAncestors) == 0 {
				h.Set("X-Frame-Options", "DENY")
			}
			if cfg.HSTS {
				h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			}
			h.Set("Referrer-Policy", "no-referrer")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			h.Set("Cache-Control", "no-store")
			h.Set("Pragma", "no-cache")

			return next(c)
		}
	}
}

// contentSecurityPolicy allows the fragments no scripts, plugins or remote
// loads; their classes are styled by the embedding page.
func contentSecurityPolicy(ancestors []string) string {
	frame := "'none'"
	if len(ancestors) > 0 {
		frame = strings.Join(ancestors, " ")
	}
	return "default-src 'none'; style-src 'self'; base-uri 'none'; form-action 'none'; frame-ancestors " + frame
}
