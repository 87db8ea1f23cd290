// Package client is a Go client for the interlock lease API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/storage"
)

type (
	Project      = core.Project
	Agent        = core.Agent
	Reservation  = core.FileReservation
	BuildSlot    = core.BuildSlot
	Conflict     = core.Conflict
	Event        = core.Event
	AdoptResult  = storage.AdoptResult
	ReserveInput = core.ReserveRequest
	SlotInput    = core.SlotRequest
)

// Errors returned by the server map back onto these, so callers can use
// errors.Is across the wire.
var (
	ErrNotFound           = core.ErrNotFound
	ErrInvalidPattern     = core.ErrInvalidPattern
	ErrInvalidRequest     = core.ErrInvalidRequest
	ErrAgentNotRegistered = core.ErrAgentNotRegistered
	ErrNotHolder          = core.ErrNotHolder
	ErrStoreUnavailable   = core.ErrStoreUnavailable
)

type Client struct {
	BaseURL string
	HTTP    *http.Client
	APIKey  string
	Project string
}

type Option func(*Client)

func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.APIKey = strings.TrimSpace(key)
	}
}

// WithProject sets the project used when a call leaves it empty.
func WithProject(project string) Option {
	return func(c *Client) {
		c.Project = strings.TrimSpace(project)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.HTTP = httpClient
		}
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("interlock: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("interlock: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.Code {
	case "invalid_pattern":
		return core.ErrInvalidPattern
	case "invalid_request":
		return core.ErrInvalidRequest
	case "agent_not_registered":
		return core.ErrAgentNotRegistered
	case "not_found":
		return core.ErrNotFound
	case "not_holder":
		return core.ErrNotHolder
	case "store_unavailable":
		return core.ErrStoreUnavailable
	}
	return nil
}

func (c *Client) project(p string) string {
	if p != "" {
		return p
	}
	return c.Project
}

func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/api/health", nil, nil)
}

// EnsureProject registers p as given.
func (c *Client) EnsureProject(ctx context.Context, p Project) (Project, error) {
	body := map[string]any{
		"project_uid":      p.UID,
		"slug":             p.Slug,
		"canonical_source": p.CanonicalSource,
		"identity_mode":    p.IdentityMode,
		"ignore_case":      p.IgnoreCase,
	}
	var out Project
	err := c.do(ctx, http.MethodPost, "/api/projects", body, &out)
	return out, err
}

// ResolveProject asks the server to resolve a checkout path it can see.
func (c *Client) ResolveProject(ctx context.Context, path string) (Project, error) {
	var out Project
	err := c.do(ctx, http.MethodPost, "/api/projects", map[string]string{"path": path}, &out)
	return out, err
}

func (c *Client) Projects(ctx context.Context) ([]Project, error) {
	var out struct {
		Projects []Project `json:"projects"`
	}
	err := c.do(ctx, http.MethodGet, "/api/projects", nil, &out)
	return out.Projects, err
}

func (c *Client) Adopt(ctx context.Context, from, to string) (AdoptResult, error) {
	var out AdoptResult
	err := c.do(ctx, http.MethodPost, "/api/projects/adopt", map[string]string{"from": from, "to": to}, &out)
	return out, err
}

func (c *Client) RegisterAgent(ctx context.Context, agent Agent) (Agent, error) {
	body := map[string]string{
		"project": c.project(agent.Project),
		"name":    agent.Name,
		"program": agent.Program,
		"model":   agent.Model,
	}
	var out Agent
	err := c.do(ctx, http.MethodPost, "/api/agents", body, &out)
	return out, err
}

func (c *Client) Agents(ctx context.Context, project string) ([]Agent, error) {
	var out struct {
		Agents []Agent `json:"agents"`
	}
	err := c.do(ctx, http.MethodGet, "/api/agents?"+query("project", c.project(project)), nil, &out)
	return out.Agents, err
}

// Reserve requests leases. Conflicts come back in the result, not as an error.
func (c *Client) Reserve(ctx context.Context, req ReserveInput) (core.ReserveResult, error) {
	body := map[string]any{
		"project":     c.project(req.Project),
		"agent":       req.Agent,
		"patterns":    req.Patterns,
		"ttl_seconds": seconds(req.TTL),
		"exclusive":   req.Exclusive,
		"reason":      req.Reason,
	}
	var out struct {
		Reservations []Reservation `json:"reservations"`
		Conflicts    []Conflict    `json:"conflicts"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/reservations", body, &out); err != nil {
		return core.ReserveResult{}, err
	}
	return core.ReserveResult{Granted: out.Reservations, Conflicts: out.Conflicts}, nil
}

type releaseResponse struct {
	Reservations []Reservation `json:"reservations"`
}

// Release releases the agent's leases on patterns, or all of them when
// patterns is empty.
func (c *Client) Release(ctx context.Context, project, agent string, patterns []string) ([]Reservation, error) {
	var out releaseResponse
	err := c.do(ctx, http.MethodPost, "/api/reservations/release",
		map[string]any{"project": c.project(project), "agent": agent, "patterns": patterns}, &out)
	return out.Reservations, err
}

func (c *Client) ReleaseByID(ctx context.Context, project, agent string, ids []string) ([]Reservation, error) {
	var out releaseResponse
	err := c.do(ctx, http.MethodPost, "/api/reservations/release",
		map[string]any{"project": c.project(project), "agent": agent, "ids": ids}, &out)
	return out.Reservations, err
}

func (c *Client) Renew(ctx context.Context, project, agent string, patterns []string, extendBy time.Duration) ([]Reservation, error) {
	var out struct {
		Renewed []Reservation `json:"renewed"`
	}
	err := c.do(ctx, http.MethodPost, "/api/reservations/renew", map[string]any{
		"project":        c.project(project),
		"agent":          agent,
		"patterns":       patterns,
		"extend_seconds": seconds(extendBy),
	}, &out)
	return out.Renewed, err
}

// Reservations lists active leases, narrowed to agent when set.
func (c *Client) Reservations(ctx context.Context, project, agent string) ([]Reservation, error) {
	q := url.Values{"project": {c.project(project)}}
	if agent != "" {
		q.Set("agent", agent)
	}
	var out struct {
		Reservations []Reservation `json:"reservations"`
	}
	err := c.do(ctx, http.MethodGet, "/api/reservations?"+q.Encode(), nil, &out)
	return out.Reservations, err
}

func (c *Client) Conflicts(ctx context.Context, project, pattern string, exclusive bool, agent string) ([]Conflict, error) {
	q := url.Values{
		"project":   {c.project(project)},
		"pattern":   {pattern},
		"exclusive": {strconv.FormatBool(exclusive)},
	}
	if agent != "" {
		q.Set("agent", agent)
	}
	var out struct {
		Conflicts []Conflict `json:"conflicts"`
	}
	err := c.do(ctx, http.MethodGet, "/api/conflicts?"+q.Encode(), nil, &out)
	return out.Conflicts, err
}

func (c *Client) AcquireSlot(ctx context.Context, req SlotInput) (core.SlotResult, error) {
	var out core.SlotResult
	err := c.do(ctx, http.MethodPost, "/api/slots", map[string]any{
		"project":     c.project(req.Project),
		"agent":       req.Agent,
		"slot":        req.Slot,
		"ttl_seconds": seconds(req.TTL),
		"exclusive":   req.Exclusive,
		"reason":      req.Reason,
	}, &out)
	return out, err
}

func (c *Client) RenewSlot(ctx context.Context, project, agent, slot string, extendBy time.Duration) (BuildSlot, error) {
	var out struct {
		Slot BuildSlot `json:"slot"`
	}
	err := c.do(ctx, http.MethodPost, "/api/slots/renew", map[string]any{
		"project":        c.project(project),
		"agent":          agent,
		"slot":           slot,
		"extend_seconds": seconds(extendBy),
	}, &out)
	return out.Slot, err
}

func (c *Client) ReleaseSlot(ctx context.Context, project, agent, slot string) ([]BuildSlot, error) {
	var out struct {
		Slots []BuildSlot `json:"slots"`
	}
	err := c.do(ctx, http.MethodPost, "/api/slots/release",
		map[string]any{"project": c.project(project), "agent": agent, "slot": slot}, &out)
	return out.Slots, err
}

func (c *Client) Slots(ctx context.Context, project string) ([]BuildSlot, error) {
	var out struct {
		Slots []BuildSlot `json:"slots"`
	}
	err := c.do(ctx, http.MethodGet, "/api/slots?"+query("project", c.project(project)), nil, &out)
	return out.Slots, err
}

func seconds(d time.Duration) int64 {
	return int64(d / time.Second)
}

func query(k, v string) string {
	return url.Values{k: {v}}.Encode()
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var payload struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err == nil {
			apiErr.Code, apiErr.Message = payload.Code, payload.Error
		}
		return apiErr
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
