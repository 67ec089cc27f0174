package server

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"bugline/internal/engine"
)

type principalKey struct{}
type claimsKey struct{}
type requestKey struct{}
type requestIDKey struct{}

const requestIDHeader = "X-Request-ID"

// newRequestIDMiddleware accepts an incoming X-Request-ID or generates one,
// echoes it on the response, and stores it in the request context for the
// error envelope.
func newRequestIDMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := strings.TrimSpace(r.Header.Get(requestIDHeader))
			if id == "" {
				id = uuid.NewString()
			}
			r.Header.Set(requestIDHeader, id)
			w.Header().Set(requestIDHeader, id)
			ctx := context.WithValue(r.Context(), requestIDKey{}, id)
			ctx = context.WithValue(ctx, requestKey{}, r)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// securityHeaders are attached to every response. The CSP admits the
// unpkg-hosted Swagger UI assets used by /docs.
var securityHeaders = map[string]string{
	"X-Content-Type-Options":  "nosniff",
	"X-Frame-Options":         "DENY",
	"Referrer-Policy":         "strict-origin-when-cross-origin",
	"Cache-Control":           "no-store, no-cache, must-revalidate, private",
	"Permissions-Policy":      "geolocation=(), microphone=(), camera=()",
	"Content-Security-Policy": "default-src 'self'; script-src 'self' 'unsafe-inline' https://unpkg.com; style-src 'self' 'unsafe-inline' https://unpkg.com; img-src 'self' data: https:; connect-src 'self'; frame-ancestors 'none'; base-uri 'self'; form-action 'self'",
}

func newSecurityHeadersMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for k, v := range securityHeaders {
				w.Header().Set(k, v)
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

func requestFromContext(ctx context.Context) *http.Request {
	if r, ok := ctx.Value(requestKey{}).(*http.Request); ok {
		return r
	}
	return nil
}

// publicPaths require no bearer token. A valid token presented on a public
// path still attaches a principal, which lets registration honor admin
// callers.
func publicPaths(basePath string) map[string]bool {
	join := func(p string) string { return path.Join(basePath, p) }
	return map[string]bool{
		"/metrics":            true,
		"/docs":               true,
		join("health"):        true,
		join("openapi.json"):  true,
		join("auth/register"): true,
		join("auth/login"):    true,
		join("auth/refresh"):  true,
	}
}

func newAuthMiddleware(basePath string, e engine.Engine) func(http.Handler) http.Handler {
	public := publicPaths(basePath)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			open := public[r.URL.Path] || strings.HasPrefix(r.URL.Path, "/docs")
			token := bearerToken(r)
			if token == "" {
				if open {
					next.ServeHTTP(w, r)
					return
				}
				respondStatusError(w, r, newAPIError(r.Context(), http.StatusUnauthorized, "AUTHENTICATION_ERROR", "missing bearer token", nil))
				return
			}
			principal, claims, err := e.Authenticate(r.Context(), token)
			if err != nil {
				if open {
					next.ServeHTTP(w, r)
					return
				}
				respondStatusError(w, r, handleError(r.Context(), err))
				return
			}
			ctx := context.WithValue(r.Context(), principalKey{}, principal)
			ctx = context.WithValue(ctx, claimsKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// principalFromContext returns the authenticated principal or a 401 error.
func principalFromContext(ctx context.Context) (engine.Principal, huma.StatusError) {
	if p, ok := ctx.Value(principalKey{}).(engine.Principal); ok {
		return p, nil
	}
	return engine.Principal{}, newAPIError(ctx, http.StatusUnauthorized, "AUTHENTICATION_ERROR", "authentication required", nil)
}

// optionalPrincipal returns the principal when one is attached, without
// requiring it.
func optionalPrincipal(ctx context.Context) (engine.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(engine.Principal)
	return p, ok
}

func claimsFromContext(ctx context.Context) (*engine.Claims, huma.StatusError) {
	if c, ok := ctx.Value(claimsKey{}).(*engine.Claims); ok {
		return c, nil
	}
	return nil, newAPIError(ctx, http.StatusUnauthorized, "AUTHENTICATION_ERROR", "authentication required", nil)
}

func clientIP(r *http.Request) string {
	if r == nil {
		return "unknown"
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func respondStatusError(w http.ResponseWriter, r *http.Request, serr huma.StatusError) {
	status := serr.GetStatus()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if ae, ok := serr.(*apiError); ok {
		if err := json.NewEncoder(w).Encode(struct {
			Error apiErrorBody `json:"error"`
		}{Error: ae.Body}); err != nil {
			log.Printf("server: write error response: %v", err)
		}
		return
	}
	json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{
		"code":       defaultCodeForStatus(status),
		"message":    serr.Error(),
		"request_id": r.Header.Get(requestIDHeader),
	}})
}
