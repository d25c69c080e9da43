package pool

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/toolmesh/kernel/internal/kernel"
)

// httpClient is the HTTP transport: each Call is a POST to cfg.Endpoint.
type httpClient struct {
	cfg        kernel.ServerConfig
	httpClient *http.Client
}

// NewHTTPDialer returns the Dialer registered for Transport == "http".
func NewHTTPDialer() Dialer {
	return func(_ context.Context, cfg kernel.ServerConfig) (Client, error) {
		return &httpClient{cfg: cfg, httpClient: &http.Client{Timeout: 30 * time.Second}}, nil
	}
}

func (c *httpClient) Call(ctx context.Context, toolName string, args []byte) ([]byte, error) {
	url := c.cfg.Endpoint + "/tools/" + toolName
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(args))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, kernel.NewError(kernel.ErrUpstream, "http call failed", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, kernel.NewError(kernel.ErrUpstream, fmt.Sprintf("upstream returned status %d", resp.StatusCode), nil)
	}
	return body, nil
}

func (c *httpClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.Endpoint+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *httpClient) Close() error { return nil }
