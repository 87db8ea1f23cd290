package client

import (
	"context"
	"fmt"
	"net/url"
	"slices"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/mistakeknot/interlock/internal/core"
)

// EventHandler is called for each event received via WebSocket.
type EventHandler func(event Event)

// WSClient streams lease events for one agent.
type WSClient struct {
	baseURL   string
	apiKey    string
	project   string
	agent     string
	reconnect bool

	mu       sync.RWMutex
	conn     *websocket.Conn
	handlers []EventHandler

	done      chan struct{}
	closeOnce sync.Once
}

type WSOption func(*WSClient)

func WithWSAPIKey(key string) WSOption {
	return func(c *WSClient) { c.apiKey = key }
}

// WithWSProject scopes the stream to one project. Local callers that leave it
// empty receive every project's events.
func WithWSProject(project string) WSOption {
	return func(c *WSClient) { c.project = project }
}

// WithAutoReconnect enables reconnecting with backoff after a read error.
func WithAutoReconnect(enabled bool) WSOption {
	return func(c *WSClient) { c.reconnect = enabled }
}

func NewWSClient(baseURL, agent string, opts ...WSOption) *WSClient {
	c := &WSClient{
		baseURL: baseURL,
		agent:   agent,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *WSClient) OnEvent(handler EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, handler)
}

// Connect dials the hub and starts the read loop.
func (c *WSClient) Connect(ctx context.Context) error {
	if err := c.dial(ctx); err != nil {
		return err
	}
	go c.readLoop(ctx)
	return nil
}

func (c *WSClient) dial(ctx context.Context) error {
	wsURL, err := c.buildWSURL()
	if err != nil {
		return fmt.Errorf("build websocket url: %w", err)
	}
	opts := &websocket.DialOptions{}
	if c.apiKey != "" {
		opts.HTTPHeader = map[string][]string{"Authorization": {"Bearer " + c.apiKey}}
	}
	conn, _, err := websocket.Dial(ctx, wsURL, opts)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

func (c *WSClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()
		if conn != nil {
			err = conn.Close(websocket.StatusNormalClosure, "client closing")
		}
	})
	return err
}

func (c *WSClient) buildWSURL() (string, error) {
	if c.agent == "" {
		return "", fmt.Errorf("agent name required")
	}
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws/agents/" + url.PathEscape(c.agent)
	if c.project != "" {
		u.RawQuery = url.Values{"project": {c.project}}.Encode()
	}
	return u.String(), nil
}

func (c *WSClient) readLoop(ctx context.Context) {
	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		default:
		}

		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()

		var event Event
		if err := wsjson.Read(ctx, conn, &event); err != nil {
			if !c.reconnect || !c.redial(ctx) {
				return
			}
			continue
		}
		c.dispatch(event)
	}
}

func (c *WSClient) dispatch(event Event) {
	c.mu.RLock()
	handlers := slices.Clone(c.handlers)
	c.mu.RUnlock()
	for _, h := range handlers {
		h(event)
	}
}

// redial retries with exponential backoff until it connects or is stopped.
func (c *WSClient) redial(ctx context.Context) bool {
	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		select {
		case <-c.done:
			return false
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}
		if err := c.dial(ctx); err == nil {
			return true
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// EventFilter narrows which events reach a handler. Zero fields match all.
type EventFilter struct {
	Types   []core.EventType
	Project string
	Agent   string
}

func FilteredEventHandler(filter EventFilter, handler EventHandler) EventHandler {
	return func(event Event) {
		if len(filter.Types) > 0 && !slices.Contains(filter.Types, event.Type) {
			return
		}
		if filter.Project != "" && event.Project != filter.Project {
			return
		}
		if filter.Agent != "" && event.Agent != filter.Agent {
			return
		}
		handler(event)
	}
}
