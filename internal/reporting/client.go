/**
 * CONTEXT:   Reference IPC client for capacitorctl and any future external tool
 * INPUT:     Method name + params, dialed against the daemon's Unix socket
 * OUTPUT:    A decoded Response, or an error if the daemon is unreachable
 * BUSINESS:  Exercises the exact wire protocol external UIs are expected to speak (spec.md §4.6)
 * CHANGE:    New component; the teacher's equivalent is an HTTP client (cmd/claude-monitor/client.go)
 * RISK:      Low - read/write-path diagnostics only, never a second writer of state
 */
package reporting

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/claude-monitor/capacitor/internal/ipc"
)

// Client is a minimal synchronous client over the capacitord Unix socket.
type Client struct {
	socketPath string
	timeout    time.Duration
}

func NewClient(socketPath string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{socketPath: socketPath, timeout: timeout}
}

func nextID() string {
	return uuid.New().String()
}

// Call issues one request/response round trip over a fresh connection.
func (c *Client) Call(method string, params interface{}) (*ipc.Response, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("connecting to capacitord at %s: %w", c.socketPath, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(c.timeout))

	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encoding params: %w", err)
		}
		raw = b
	}

	req := ipc.Request{ProtocolVersion: ipc.ProtocolVersion, ID: nextID(), Method: method, Params: raw}
	enc := json.NewEncoder(conn)
	if err := enc.Encode(req); err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	var resp ipc.Response
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if !resp.OK && resp.Error != nil {
		return &resp, fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
	}
	return &resp, nil
}

// Decode unmarshals a successful response's data field into out.
func Decode(resp *ipc.Response, out interface{}) error {
	b, err := json.Marshal(resp.Data)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}
