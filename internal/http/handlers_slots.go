package httpapi

import (
	"net/http"
	"time"

	"github.com/mistakeknot/interlock/internal/core"
)

type slotRequest struct {
	Project    string `json:"project"`
	Agent      string `json:"agent"`
	Slot       string `json:"slot"`
	TTLSeconds int64  `json:"ttl_seconds"`
	Exclusive  *bool  `json:"exclusive"`
	Reason     string `json:"reason"`
}

func (s *Service) acquireSlot(w http.ResponseWriter, r *http.Request) {
	var req slotRequest
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
	res, err := s.leases.AcquireSlot(r.Context(), core.SlotRequest{
		Project:   project,
		Agent:     req.Agent,
		Slot:      req.Slot,
		TTL:       time.Duration(req.TTLSeconds) * time.Second,
		Exclusive: exclusive,
		Reason:    req.Reason,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if res.Conflicts == nil {
		res.Conflicts = []core.Conflict{}
	}
	writeJSON(w, http.StatusOK, res)
}

type slotRenewRequest struct {
	Project       string `json:"project"`
	Agent         string `json:"agent"`
	Slot          string `json:"slot"`
	ExtendSeconds int64  `json:"extend_seconds"`
}

type slotRenewResponse struct {
	Slot      core.BuildSlot `json:"slot"`
	ExpiresAt time.Time      `json:"expires_at"`
}

func (s *Service) renewSlot(w http.ResponseWriter, r *http.Request) {
	var req slotRenewRequest
	if !decode(w, r, &req) {
		return
	}
	project, ok := scopeProject(w, r, req.Project)
	if !ok {
		return
	}
	b, err := s.leases.RenewSlot(r.Context(), project, req.Agent, req.Slot, time.Duration(req.ExtendSeconds)*time.Second)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, slotRenewResponse{Slot: b, ExpiresAt: b.ExpiresAt})
}

func (s *Service) releaseSlot(w http.ResponseWriter, r *http.Request) {
	var req slotRequest
	if !decode(w, r, &req) {
		return
	}
	project, ok := scopeProject(w, r, req.Project)
	if !ok {
		return
	}
	released, err := s.leases.ReleaseSlot(r.Context(), project, req.Agent, req.Slot)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if released == nil {
		released = []core.BuildSlot{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"released": len(released), "slots": released})
}

func (s *Service) listSlots(w http.ResponseWriter, r *http.Request) {
	project, ok := scopeProject(w, r, r.URL.Query().Get("project"))
	if !ok {
		return
	}
	slots, err := s.store.ActiveSlots(r.Context(), project)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if slots == nil {
		slots = []core.BuildSlot{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"slots": slots})
}
