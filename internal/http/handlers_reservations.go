package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/mistakeknot/interlock/internal/core"
)

type reserveRequest struct {
	Project    string   `json:"project"`
	Agent      string   `json:"agent"`
	Patterns   []string `json:"patterns"`
	TTLSeconds int64    `json:"ttl_seconds"`
	Exclusive  *bool    `json:"exclusive"`
	Reason     string   `json:"reason"`
}

// reserveResponse is 200 even when every pattern conflicts; conflicts are
// data, not errors.
type reserveResponse struct {
	Granted      []string               `json:"granted"`
	Reservations []core.FileReservation `json:"reservations"`
	Conflicts    []core.Conflict        `json:"conflicts"`
}

func (s *Service) reserve(w http.ResponseWriter, r *http.Request) {
	var req reserveRequest
	if !decode(w, r, &req) {
		return
	}
	project, ok := scopeProject(w, r, req.Project)
	if !ok {
		return
	}
	exclusive := true
	if req.Exclusive != nil {
		exclusive = *req.Exclusive
	}
	res, err := s.leases.Reserve(r.Context(), core.ReserveRequest{
		Project:   project,
		Agent:     req.Agent,
		Patterns:  req.Patterns,
		TTL:       time.Duration(req.TTLSeconds) * time.Second,
		Exclusive: exclusive,
		Reason:    req.Reason,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := reserveResponse{
		Granted:      res.GrantedPatterns(),
		Reservations: res.Granted,
		Conflicts:    res.Conflicts,
	}
	if out.Reservations == nil {
		out.Reservations = []core.FileReservation{}
	}
	if out.Conflicts == nil {
		out.Conflicts = []core.Conflict{}
	}
	writeJSON(w, http.StatusOK, out)
}

type releaseRequest struct {
	Project  string   `json:"project"`
	Agent    string   `json:"agent"`
	Patterns []string `json:"patterns,omitempty"`
	IDs      []string `json:"ids,omitempty"`
}

type releaseResponse struct {
	Released     int                    `json:"released"`
	Reservations []core.FileReservation `json:"reservations"`
}

func (s *Service) release(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if !decode(w, r, &req) {
		return
	}
	project, ok := scopeProject(w, r, req.Project)
	if !ok {
		return
	}
	var (
		released []core.FileReservation
		err      error
	)
	if len(req.IDs) > 0 {
		released, err = s.leases.ReleaseByID(r.Context(), project, req.Agent, req.IDs)
	} else {
		released, err = s.leases.Release(r.Context(), project, req.Agent, req.Patterns)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if released == nil {
		released = []core.FileReservation{}
	}
	writeJSON(w, http.StatusOK, releaseResponse{Released: len(released), Reservations: released})
}

type renewRequest struct {
	Project       string   `json:"project"`
	Agent         string   `json:"agent"`
	Patterns      []string `json:"patterns,omitempty"`
	ExtendSeconds int64    `json:"extend_seconds"`
}

func (s *Service) renew(w http.ResponseWriter, r *http.Request) {
	var req renewRequest
	if !decode(w, r, &req) {
		return
	}
	project, ok := scopeProject(w, r, req.Project)
	if !ok {
		return
	}
	renewed, err := s.leases.Renew(r.Context(), project, req.Agent, req.Patterns, time.Duration(req.ExtendSeconds)*time.Second)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if renewed == nil {
		renewed = []core.FileReservation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"renewed": renewed})
}

func (s *Service) listReservations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	project, ok := scopeProject(w, r, q.Get("project"))
	if !ok {
		return
	}
	leases, err := s.leases.Reservations(r.Context(), project, q.Get("agent"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if leases == nil {
		leases = []core.FileReservation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"reservations": leases})
}

func (s *Service) conflicts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	project, ok := scopeProject(w, r, q.Get("project"))
	if !ok {
		return
	}
	exclusive := true
	if v := q.Get("exclusive"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "exclusive: " + err.Error(), Code: "invalid_request"})
			return
		}
		exclusive = b
	}
	conflicts, err := s.leases.Conflicts(r.Context(), project, q.Get("pattern"), exclusive, q.Get("agent"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if conflicts == nil {
		conflicts = []core.Conflict{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conflicts": conflicts})
}
