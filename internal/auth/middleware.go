package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/mistakeknot/interlock/internal/logging"
)

type Mode string

const (
	ModeLocalhost Mode = "localhost"
	ModeAPIKey    Mode = "api_key"
)

// Info is attached to every request that passed Middleware. Project is only
// set for ModeAPIKey; loopback callers are unscoped.
type Info struct {
	Mode      Mode
	Project   string
	Localhost bool
}

type contextKey struct{}

func FromContext(ctx context.Context) (Info, bool) {
	v, ok := ctx.Value(contextKey{}).(Info)
	return v, ok
}

// WithInfo is for handlers tested without the middleware.
func WithInfo(ctx context.Context, info Info) context.Context {
	return context.WithValue(ctx, contextKey{}, info)
}

func Middleware(ring *Keyring, logger *slog.Logger) func(http.Handler) http.Handler {
	if ring == nil {
		ring = defaultKeyring()
	}
	logger = logging.OrNop(logger)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if ring.AllowLocalhostWithoutAuth && isLocalRequest(r) {
				next.ServeHTTP(w, r.WithContext(WithInfo(r.Context(), Info{Mode: ModeLocalhost, Localhost: true})))
				return
			}
			key, ok := bearerKey(r.Header.Get("Authorization"))
			if !ok {
				logger.Debug("rejected request without bearer key", "remote", r.RemoteAddr, "path", r.URL.Path)
				writeUnauthorized(w)
				return
			}
			project, ok := ring.ProjectForKey(key)
			if !ok {
				logger.Warn("rejected unknown key", "remote", r.RemoteAddr, "path", r.URL.Path)
				writeUnauthorized(w)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithInfo(r.Context(), Info{Mode: ModeAPIKey, Project: project})))
		})
	}
}

func bearerKey(header string) (string, bool) {
	scheme, key, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	key = strings.TrimSpace(key)
	return key, key != ""
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized", "code": "unauthorized"})
}

// isLocalRequest trusts the first X-Forwarded-For hop when present, so a
// local reverse proxy does not make every caller look local.
func isLocalRequest(r *http.Request) bool {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return isLoopbackHost(strings.TrimSpace(first))
	}
	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		host = h
	}
	return isLoopbackHost(strings.TrimSpace(host))
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
