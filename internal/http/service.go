package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/mistakeknot/interlock/internal/auth"
	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/identity"
	"github.com/mistakeknot/interlock/internal/lease"
	"github.com/mistakeknot/interlock/internal/logging"
	"github.com/mistakeknot/interlock/internal/storage"
)

type Service struct {
	leases   *lease.Service
	store    storage.Store
	resolver *identity.Resolver
	logger   *slog.Logger
}

type Option func(*Service)

// WithResolver lets POST /api/projects resolve a checkout path.
func WithResolver(r *identity.Resolver) Option {
	return func(s *Service) { s.resolver = r }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = logging.OrNop(l) }
}

func NewService(leases *lease.Service, opts ...Option) *Service {
	s := &Service{leases: leases, store: leases.Store(), logger: logging.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the core error taxonomy onto status codes.
func (s *Service) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := http.StatusInternalServerError, "internal"
	switch {
	case errors.Is(err, core.ErrInvalidPattern):
		status, code = http.StatusBadRequest, "invalid_pattern"
	case errors.Is(err, core.ErrInvalidRequest):
		status, code = http.StatusBadRequest, "invalid_request"
	case errors.Is(err, core.ErrAgentNotRegistered):
		status, code = http.StatusNotFound, "agent_not_registered"
	case errors.Is(err, core.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, core.ErrNotHolder):
		status, code = http.StatusForbidden, "not_holder"
	case errors.Is(err, core.ErrStoreUnavailable):
		status, code = http.StatusServiceUnavailable, "store_unavailable"
	}
	if status >= 500 {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: code})
}

// scopeProject applies the caller's key scope. An API key caller may only
// address its own project, and an empty project defaults to it.
func scopeProject(w http.ResponseWriter, r *http.Request, project string) (string, bool) {
	info, _ := auth.FromContext(r.Context())
	if project == "" {
		project = info.Project
	}
	if info.Mode == auth.ModeAPIKey && project != info.Project {
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "key is not valid for project " + project, Code: "forbidden"})
		return "", false
	}
	if project == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "project required", Code: "invalid_request"})
		return "", false
	}
	return project, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON: " + err.Error(), Code: "invalid_request"})
		return false
	}
	return true
}
