package pool

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/toolmesh/kernel/internal/kernel"
)

// wsClient is the WebSocket transport. It reconnects with exponential
// backoff on dial/write failure and bounds pending sends so a stalled
// upstream cannot cause unbounded memory growth.
type wsClient struct {
	mu       sync.Mutex
	cfg      kernel.ServerConfig
	conn     *websocket.Conn
	dialer   *websocket.Dialer
	pending  chan struct{} // bounded semaphore for in-flight sends
	nextID   int
}

const maxPendingSends = 64

// NewWSDialer returns the Dialer registered for Transport == "ws".
func NewWSDialer() Dialer {
	return func(ctx context.Context, cfg kernel.ServerConfig) (Client, error) {
		c := &wsClient{cfg: cfg, dialer: websocket.DefaultDialer, pending: make(chan struct{}, maxPendingSends)}
		if err := c.connect(ctx); err != nil {
			return nil, err
		}
		return c, nil
	}
}

func (c *wsClient) connect(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.Endpoint, nil)
	if err != nil {
		return kernel.NewError(kernel.ErrUpstream, "failed to dial websocket upstream", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

// reconnect retries connect with exponential backoff until ctx is done.
func (c *wsClient) reconnect(ctx context.Context) error {
	bo := backoff.WithContext(NewReconnectBackoff(), ctx)
	return backoff.Retry(func() error { return c.connect(ctx) }, bo)
}

type wsRequest struct {
	ID     int             `json:"id"`
	Tool   string          `json:"tool"`
	Params json.RawMessage `json:"params"`
}

type wsResponse struct {
	ID     int             `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *string         `json:"error,omitempty"`
}

func (c *wsClient) Call(ctx context.Context, toolName string, args []byte) ([]byte, error) {
	select {
	case c.pending <- struct{}{}:
		defer func() { <-c.pending }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	c.mu.Lock()
	conn := c.conn
	c.nextID++
	id := c.nextID
	c.mu.Unlock()
	if conn == nil {
		if err := c.reconnect(ctx); err != nil {
			return nil, err
		}
		c.mu.Lock()
		conn = c.conn
		c.mu.Unlock()
	}

	req := wsRequest{ID: id, Tool: toolName, Params: args}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
		_ = conn.SetReadDeadline(deadline)
	}
	if err := conn.WriteJSON(req); err != nil {
		c.markDisconnected()
		return nil, kernel.NewError(kernel.ErrUpstream, "websocket write failed", err)
	}
	var resp wsResponse
	if err := conn.ReadJSON(&resp); err != nil {
		c.markDisconnected()
		return nil, kernel.NewError(kernel.ErrUpstream, "websocket read failed", err)
	}
	if resp.Error != nil {
		return nil, kernel.NewError(kernel.ErrUpstream, *resp.Error, nil)
	}
	return resp.Result, nil
}

func (c *wsClient) markDisconnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func (c *wsClient) Ping(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return c.reconnect(ctx)
	}
	deadline := time.Now().Add(5 * time.Second)
	if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		c.markDisconnected()
		return err
	}
	return nil
}

func (c *wsClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
