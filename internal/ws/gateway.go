// Package ws pushes lease events to agents over WebSocket.
package ws

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/mistakeknot/interlock/internal/auth"
	"github.com/mistakeknot/interlock/internal/logging"
)

const writeTimeout = 5 * time.Second

// Hub fans events out to connections keyed by project and agent. A local
// caller that names no project subscribes to every project.
type Hub struct {
	logger *slog.Logger

	mu    sync.RWMutex
	conns map[string]map[string]map[*websocket.Conn]struct{}
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger: logging.OrNop(logger),
		conns:  make(map[string]map[string]map[*websocket.Conn]struct{}),
	}
}

// Handler serves /ws/agents/{name}?project=<uid>.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent := strings.Trim(strings.TrimPrefix(r.URL.Path, "/ws/agents/"), "/")
		if agent == "" || strings.Contains(agent, "/") {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		project := strings.TrimSpace(r.URL.Query().Get("project"))
		info, _ := auth.FromContext(r.Context())
		if info.Mode == auth.ModeAPIKey {
			if project != "" && project != info.Project {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			project = info.Project
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			h.logger.Debug("websocket accept failed", "agent", agent, "err", err)
			return
		}

		h.add(project, agent, conn)
		defer h.remove(project, agent, conn)
		h.logger.Debug("subscriber connected", "project", project, "agent", agent)

		// drain until the peer goes away; clients never send anything we use
		ctx := r.Context()
		for {
			var v any
			if err := wsjson.Read(ctx, conn, &v); err != nil {
				return
			}
		}
	}
}

type connEntry struct {
	conn    *websocket.Conn
	project string
	agent   string
}

// Broadcast sends event to every subscriber of project. An empty agent
// reaches all agents; otherwise only that agent's connections.
func (h *Hub) Broadcast(project, agent string, event any) {
	for _, e := range h.snapshot(project, agent) {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := wsjson.Write(ctx, e.conn, event)
		cancel()
		if err != nil {
			h.logger.Debug("dropping subscriber after write error", "project", e.project, "agent", e.agent, "err", err)
			go func(e connEntry) {
				e.conn.Close(websocket.StatusGoingAway, "write error")
				h.remove(e.project, e.agent, e.conn)
			}(e)
		}
	}
}

// Clients counts open connections.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, perAgent := range h.conns {
		for _, conns := range perAgent {
			n += len(conns)
		}
	}
	return n
}

func (h *Hub) snapshot(project, agent string) []connEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []connEntry
	collect := func(proj string) {
		for name, conns := range h.conns[proj] {
			if agent != "" && name != agent {
				continue
			}
			for conn := range conns {
				out = append(out, connEntry{conn: conn, project: proj, agent: name})
			}
		}
	}
	collect(project)
	if project != "" {
		collect("")
	}
	return out
}

func (h *Hub) add(project, agent string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	perProject, ok := h.conns[project]
	if !ok {
		perProject = make(map[string]map[*websocket.Conn]struct{})
		h.conns[project] = perProject
	}
	perAgent, ok := perProject[agent]
	if !ok {
		perAgent = make(map[*websocket.Conn]struct{})
		perProject[agent] = perAgent
	}
	perAgent[conn] = struct{}{}
}

func (h *Hub) remove(project, agent string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	perProject, ok := h.conns[project]
	if !ok {
		return
	}
	perAgent, ok := perProject[agent]
	if !ok {
		return
	}
	delete(perAgent, conn)
	if len(perAgent) == 0 {
		delete(perProject, agent)
	}
	if len(perProject) == 0 {
		delete(h.conns, project)
	}
}
