package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mistakeknot/interlock/internal/auth"
	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/lease"
	"github.com/mistakeknot/interlock/internal/storage/sqlite"
)

func TestReserveReportsConflictsAsData(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/api/reservations", map[string]any{
		"project": "proj", "agent": "RedCat", "patterns": []string{"frontend/**"}, "ttl_seconds": 3600,
	})
	requireStatus(t, resp, http.StatusOK)
	first := decodeJSON[reserveResponse](t, resp)
	if len(first.Granted) != 1 || first.Granted[0] != "frontend/**" {
		t.Fatalf("expected frontend/** granted, got %+v", first)
	}
	if !first.Reservations[0].Exclusive {
		t.Fatal("exclusive should default to true")
	}

	resp = env.post(t, "/api/reservations", map[string]any{
		"project": "proj", "agent": "BlueLake", "patterns": []string{"frontend/app.ts", "docs/**"},
	})
	requireStatus(t, resp, http.StatusOK)
	second := decodeJSON[reserveResponse](t, resp)
	if len(second.Granted) != 1 || second.Granted[0] != "docs/**" {
		t.Fatalf("expected only docs/** granted, got %+v", second.Granted)
	}
	if len(second.Conflicts) != 1 {
		t.Fatalf("expected 1 conflict, got %d", len(second.Conflicts))
	}
	c := second.Conflicts[0]
	if c.Holder != "RedCat" || c.HolderPattern != "frontend/**" || c.Pattern != "frontend/app.ts" {
		t.Fatalf("unexpected conflict %+v", c)
	}
}

func TestSharedLeasesCoexist(t *testing.T) {
	env := newTestEnv(t)
	for _, agent := range []string{"RedCat", "BlueLake"} {
		resp := env.post(t, "/api/reservations", map[string]any{
			"project": "proj", "agent": agent, "patterns": []string{"docs/**"}, "exclusive": false,
		})
		requireStatus(t, resp, http.StatusOK)
		out := decodeJSON[reserveResponse](t, resp)
		if len(out.Granted) != 1 {
			t.Fatalf("%s: shared lease should be granted, got %+v", agent, out)
		}
	}

	resp := env.get(t, "/api/reservations?project=proj")
	requireStatus(t, resp, http.StatusOK)
	list := decodeJSON[struct {
		Reservations []core.FileReservation `json:"reservations"`
	}](t, resp)
	if len(list.Reservations) != 2 {
		t.Fatalf("expected 2 active reservations, got %d", len(list.Reservations))
	}
}

func TestReserveErrors(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{"escaping pattern", map[string]any{"project": "proj", "agent": "RedCat", "patterns": []string{"../etc/passwd"}}, http.StatusBadRequest, "invalid_pattern"},
		{"no patterns", map[string]any{"project": "proj", "agent": "RedCat"}, http.StatusBadRequest, "invalid_request"},
		{"unknown agent", map[string]any{"project": "proj", "agent": "GhostOwl", "patterns": []string{"a.txt"}}, http.StatusNotFound, "agent_not_registered"},
		{"unknown project", map[string]any{"project": "nope", "agent": "RedCat", "patterns": []string{"a.txt"}}, http.StatusNotFound, "not_found"},
		{"no project", map[string]any{"agent": "RedCat", "patterns": []string{"a.txt"}}, http.StatusBadRequest, "invalid_request"},
		{"negative ttl", map[string]any{"project": "proj", "agent": "RedCat", "patterns": []string{"a.txt"}, "ttl_seconds": -5}, http.StatusBadRequest, "invalid_request"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := env.post(t, "/api/reservations", tc.body)
			requireStatus(t, resp, tc.status)
			out := decodeJSON[errorResponse](t, resp)
			if out.Code != tc.code {
				t.Fatalf("expected code %q, got %q (%s)", tc.code, out.Code, out.Error)
			}
		})
	}
}

func TestReleaseAndRenew(t *testing.T) {
	env := newTestEnv(t)
	resp := env.post(t, "/api/reservations", map[string]any{
		"project": "proj", "agent": "RedCat", "patterns": []string{"a/**", "b/**"},
	})
	requireStatus(t, resp, http.StatusOK)
	granted := decodeJSON[reserveResponse](t, resp)

	resp = env.post(t, "/api/reservations/renew", map[string]any{
		"project": "proj", "agent": "RedCat", "patterns": []string{"a/**"}, "extend_seconds": 600,
	})
	requireStatus(t, resp, http.StatusOK)
	renewed := decodeJSON[struct {
		Renewed []core.FileReservation `json:"renewed"`
	}](t, resp)
	if len(renewed.Renewed) != 1 || !renewed.Renewed[0].ExpiresAt.After(granted.Reservations[0].ExpiresAt) {
		t.Fatalf("expected a/** renewed past its old expiry, got %+v", renewed.Renewed)
	}

	resp = env.post(t, "/api/reservations/release", map[string]any{
		"project": "proj", "agent": "BlueLake", "ids": []string{granted.Reservations[1].ID},
	})
	requireStatus(t, resp, http.StatusForbidden)
	if out := decodeJSON[errorResponse](t, resp); out.Code != "not_holder" {
		t.Fatalf("expected not_holder, got %q", out.Code)
	}

	resp = env.post(t, "/api/reservations/release", map[string]any{
		"project": "proj", "agent": "RedCat", "ids": []string{granted.Reservations[1].ID},
	})
	requireStatus(t, resp, http.StatusOK)
	if out := decodeJSON[releaseResponse](t, resp); out.Released != 1 || out.Reservations[0].PathPattern != "b/**" {
		t.Fatalf("unexpected release %+v", out)
	}

	resp = env.post(t, "/api/reservations/release", map[string]any{"project": "proj", "agent": "RedCat"})
	requireStatus(t, resp, http.StatusOK)
	if out := decodeJSON[releaseResponse](t, resp); out.Released != 1 {
		t.Fatalf("release-all should release the remaining lease, got %d", out.Released)
	}

	resp = env.get(t, "/api/reservations?project=proj&agent=RedCat")
	requireStatus(t, resp, http.StatusOK)
	list := decodeJSON[struct {
		Reservations []core.FileReservation `json:"reservations"`
	}](t, resp)
	if len(list.Reservations) != 0 {
		t.Fatalf("expected no active leases, got %d", len(list.Reservations))
	}
}

func TestConflictsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	resp := env.post(t, "/api/reservations", map[string]any{
		"project": "proj", "agent": "RedCat", "patterns": []string{"src/*.go"},
	})
	requireStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	type conflictList struct {
		Conflicts []core.Conflict `json:"conflicts"`
	}
	resp = env.get(t, "/api/conflicts?project=proj&pattern=src/main.go&agent=BlueLake")
	requireStatus(t, resp, http.StatusOK)
	if out := decodeJSON[conflictList](t, resp); len(out.Conflicts) != 1 || out.Conflicts[0].Holder != "RedCat" {
		t.Fatalf("expected RedCat conflict, got %+v", out)
	}

	resp = env.get(t, "/api/conflicts?project=proj&pattern=src/main.go&agent=RedCat")
	requireStatus(t, resp, http.StatusOK)
	if out := decodeJSON[conflictList](t, resp); len(out.Conflicts) != 0 {
		t.Fatalf("own leases never conflict, got %+v", out)
	}

	resp = env.get(t, "/api/conflicts?project=proj&pattern=src/main.go&exclusive=maybe")
	requireStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestAPIKeyScopesProject(t *testing.T) {
	st := sqlite.NewSQLiteTest(t)
	sqlite.SeedProject(t, st, "proj-a", "RedCat")
	sqlite.SeedProject(t, st, "proj-b", "BlueLake")
	ring := auth.NewKeyring(true, map[string]string{"secret": "proj-a"})
	h := NewRouter(NewService(lease.NewService(st)), nil, auth.Middleware(ring, nil))

	send := func(method, path string, body any) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		if body != nil {
			_ = json.NewEncoder(&buf).Encode(body)
		}
		req := httptest.NewRequest(method, path, &buf)
		req.RemoteAddr = "203.0.113.10:9999"
		req.Header.Set("Authorization", "Bearer secret")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr
	}

	if rr := send(http.MethodPost, "/api/reservations", map[string]any{"agent": "RedCat", "patterns": []string{"x/**"}}); rr.Code != http.StatusOK {
		t.Fatalf("empty project should default to the key's project, got %d: %s", rr.Code, rr.Body)
	}
	if rr := send(http.MethodPost, "/api/reservations", map[string]any{"project": "proj-b", "agent": "BlueLake", "patterns": []string{"x/**"}}); rr.Code != http.StatusForbidden {
		t.Fatalf("cross-project reserve expected 403, got %d", rr.Code)
	}
	if rr := send(http.MethodPost, "/api/projects/adopt", map[string]any{"from": "proj-b", "to": "proj-a"}); rr.Code != http.StatusForbidden {
		t.Fatalf("adopt with an API key expected 403, got %d", rr.Code)
	}

	rr := send(http.MethodGet, "/api/projects", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list projects expected 200, got %d", rr.Code)
	}
	var projects struct {
		Projects []core.Project `json:"projects"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&projects); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(projects.Projects) != 1 || projects.Projects[0].UID != "proj-a" {
		t.Fatalf("expected only proj-a visible, got %+v", projects.Projects)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/reservations?project=proj-a", nil)
	req.RemoteAddr = "203.0.113.10:9999"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing bearer expected 401, got %d", rec.Code)
	}
}

func TestHealthBypassesAuth(t *testing.T) {
	ring := auth.NewKeyring(false, nil)
	h := NewRouter(NewService(lease.NewService(sqlite.NewSQLiteTest(t))), nil, auth.Middleware(ring, nil))
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.RemoteAddr = "203.0.113.10:9999"
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("health expected 200, got %d", rr.Code)
	}
}
