package pool

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/toolmesh/kernel/internal/kernel"
)

// stdioClient speaks newline-delimited JSON-RPC over a subprocess's
// stdin/stdout, the classic transport for locally-spawned tool servers.
type stdioClient struct {
	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	reader *bufio.Reader
	nextID int
}

type rpcRequest struct {
	ID     int             `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type rpcResponse struct {
	ID     int             `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *string         `json:"error,omitempty"`
}

// NewStdioDialer returns the Dialer registered for Transport == "stdio".
func NewStdioDialer() Dialer {
	return func(ctx context.Context, cfg kernel.ServerConfig) (Client, error) {
		if len(cfg.Command) == 0 {
			return nil, kernel.NewError(kernel.ErrInvalidInput, "stdio server requires a command", nil)
		}
		cmd := exec.CommandContext(ctx, cfg.Command[0], cfg.Command[1:]...)
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, err
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, err
		}
		if err := cmd.Start(); err != nil {
			return nil, kernel.NewError(kernel.ErrUpstream, "failed to start stdio server process", err)
		}
		return &stdioClient{cmd: cmd, stdin: stdin, reader: bufio.NewReader(stdout)}, nil
	}
}

func (c *stdioClient) Call(_ context.Context, toolName string, args []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	req := rpcRequest{ID: c.nextID, Method: "tools/call/" + toolName, Params: args}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	payload = append(payload, '\n')
	if _, err := c.stdin.Write(payload); err != nil {
		return nil, kernel.NewError(kernel.ErrUpstream, "failed writing to stdio server", err)
	}

	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		return nil, kernel.NewError(kernel.ErrUpstream, "failed reading from stdio server", err)
	}
	var resp rpcResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, kernel.NewError(kernel.ErrUpstream, "malformed stdio server response", err)
	}
	if resp.Error != nil {
		return nil, kernel.NewError(kernel.ErrUpstream, fmt.Sprintf("stdio server error: %s", *resp.Error), nil)
	}
	return resp.Result, nil
}

func (c *stdioClient) Ping(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cmd.ProcessState != nil && c.cmd.ProcessState.Exited() {
		return fmt.Errorf("stdio server process has exited")
	}
	return nil
}

func (c *stdioClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.stdin.Close()
	if c.cmd.Process != nil {
		return c.cmd.Process.Kill()
	}
	return nil
}
