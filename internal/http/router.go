package httpapi

import (
	"net/http"
)

// NewRouter mounts the API. mw wraps every route, including the websocket.
func NewRouter(svc *Service, wsHandler http.Handler, mw func(http.Handler) http.Handler) http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.Handler) http.Handler {
		if mw != nil {
			return mw(h)
		}
		return h
	}

	mux.Handle("GET /api/health", http.HandlerFunc(svc.handleHealth))
	mux.Handle("GET /api/projects", wrap(http.HandlerFunc(svc.listProjects)))
	mux.Handle("POST /api/projects", wrap(http.HandlerFunc(svc.ensureProject)))
	mux.Handle("POST /api/projects/adopt", wrap(http.HandlerFunc(svc.adoptProject)))
	mux.Handle("GET /api/agents", wrap(http.HandlerFunc(svc.listAgents)))
	mux.Handle("POST /api/agents", wrap(http.HandlerFunc(svc.registerAgent)))
	mux.Handle("GET /api/reservations", wrap(http.HandlerFunc(svc.listReservations)))
	mux.Handle("POST /api/reservations", wrap(http.HandlerFunc(svc.reserve)))
	mux.Handle("POST /api/reservations/release", wrap(http.HandlerFunc(svc.release)))
	mux.Handle("POST /api/reservations/renew", wrap(http.HandlerFunc(svc.renew)))
	mux.Handle("GET /api/conflicts", wrap(http.HandlerFunc(svc.conflicts)))
	mux.Handle("GET /api/slots", wrap(http.HandlerFunc(svc.listSlots)))
	mux.Handle("POST /api/slots", wrap(http.HandlerFunc(svc.acquireSlot)))
	mux.Handle("POST /api/slots/renew", wrap(http.HandlerFunc(svc.renewSlot)))
	mux.Handle("POST /api/slots/release", wrap(http.HandlerFunc(svc.releaseSlot)))

	if wsHandler != nil {
		mux.Handle("/ws/agents/", wrap(wsHandler))
	}
	return mux
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
