package httpapi

import (
	"net/http"
	"strings"

	"github.com/mistakeknot/interlock/internal/auth"
	"github.com/mistakeknot/interlock/internal/core"
)

type projectRequest struct {
	// Path is a checkout path resolved server-side. Otherwise the identity
	// fields are taken as given.
	Path            string `json:"path,omitempty"`
	UID             string `json:"project_uid,omitempty"`
	Slug            string `json:"slug,omitempty"`
	CanonicalSource string `json:"canonical_source,omitempty"`
	IdentityMode    string `json:"identity_mode,omitempty"`
	IgnoreCase      bool   `json:"ignore_case,omitempty"`
}

func (s *Service) ensureProject(w http.ResponseWriter, r *http.Request) {
	var req projectRequest
	if !decode(w, r, &req) {
		return
	}
	p := core.Project{
		UID:             strings.TrimSpace(req.UID),
		Slug:            strings.TrimSpace(req.Slug),
		CanonicalSource: req.CanonicalSource,
		IdentityMode:    core.IdentityMode(req.IdentityMode),
		IgnoreCase:      req.IgnoreCase,
	}
	if req.Path != "" {
		if s.resolver == nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "path resolution is not enabled", Code: "invalid_request"})
			return
		}
		resolved, err := s.resolver.Resolve(r.Context(), req.Path)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		p = resolved
	}
	if p.IdentityMode == "" {
		p.IdentityMode = core.IdentityDir
	}
	info, _ := auth.FromContext(r.Context())
	if info.Mode == auth.ModeAPIKey && p.UID != info.Project {
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "key is not valid for project " + p.UID, Code: "forbidden"})
		return
	}
	stored, err := s.leases.EnsureProject(r.Context(), p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

func (s *Service) listProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.store.ListProjects(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	info, _ := auth.FromContext(r.Context())
	out := make([]core.Project, 0, len(projects))
	for _, p := range projects {
		if info.Mode == auth.ModeAPIKey && p.UID != info.Project {
			continue
		}
		out = append(out, p)
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": out})
}

type adoptRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func (s *Service) adoptProject(w http.ResponseWriter, r *http.Request) {
	var req adoptRequest
	if !decode(w, r, &req) {
		return
	}
	// adoption rewrites two projects, so only unscoped callers may do it
	if info, _ := auth.FromContext(r.Context()); info.Mode == auth.ModeAPIKey {
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "adopt requires local access", Code: "forbidden"})
		return
	}
	res, err := s.leases.Adopt(r.Context(), req.From, req.To)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type registerAgentRequest struct {
	Project string `json:"project"`
	Name    string `json:"name"`
	Program string `json:"program"`
	Model   string `json:"model"`
}

func (s *Service) registerAgent(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if !decode(w, r, &req) {
		return
	}
	project, ok := scopeProject(w, r, strings.TrimSpace(req.Project))
	if !ok {
		return
	}
	agent, err := s.leases.RegisterAgent(r.Context(), core.Agent{
		Project: project,
		Name:    req.Name,
		Program: req.Program,
		Model:   req.Model,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Service) listAgents(w http.ResponseWriter, r *http.Request) {
	project, ok := scopeProject(w, r, r.URL.Query().Get("project"))
	if !ok {
		return
	}
	agents, err := s.store.ListAgents(r.Context(), project)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if agents == nil {
		agents = []core.Agent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}
