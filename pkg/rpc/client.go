package rpc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync/atomic"
)

// Client is a control-plane client connected to a running daemon's Unix
// domain socket.
type Client struct {
	conn   net.Conn
	nextID atomic.Int64
}

// NewClient dials socketPath.
func NewClient(socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("rpc: connect to %s: %w", socketPath, err)
	}
	c := &Client{conn: conn}
	c.nextID.Store(1)
	return c, nil
}

// Call issues method with params and decodes the result into result (a
// pointer), if non-nil.
func (c *Client) Call(method string, params map[string]interface{}, result interface{}) error {
	req := &Request{JSONRPC: "2.0", Method: method, Params: params, ID: c.nextID.Add(1)}

	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("rpc: encode request: %w", err)
	}
	if _, err := c.conn.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("rpc: send request: %w", err)
	}

	line, err := bufio.NewReader(c.conn).ReadBytes('\n')
	if err != nil {
		return fmt.Errorf("rpc: read response: %w", err)
	}

	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return fmt.Errorf("rpc: decode response: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("rpc: %s: %s", method, resp.Error.Message)
	}
	if result == nil || resp.Result == nil {
		return nil
	}

	raw, err := json.Marshal(resp.Result)
	if err != nil {
		return fmt.Errorf("rpc: re-marshal result: %w", err)
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return fmt.Errorf("rpc: decode result: %w", err)
	}
	return nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
