package uds

import (
	"fmt"
	"net"
	"time"
)

// Client issues control commands to the batchpilot daemon. Each call dials
// the socket fresh, exchanges exactly one frame pair, and disconnects;
// clients hold no connection state between commands.
type Client struct {
	socketPath string
	timeout    time.Duration
}

func NewClient(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		timeout:    30 * time.Second,
	}
}

// SetTimeout bounds the dial and the full request/response exchange.
func (c *Client) SetTimeout(d time.Duration) {
	c.timeout = d
}

// SendCommand builds a request for command with the given params and sends
// it. This is the entry point the CLI uses.
func (c *Client) SendCommand(command string, params any) (*Response, error) {
	req, err := NewRequest(command, params)
	if err != nil {
		return nil, err
	}
	return c.Send(req)
}

// Send performs one request/response exchange. A command-level failure in
// the daemon still yields a Response (with Error set); only transport
// failures surface here.
func (c *Client) Send(req *Request) (*Response, error) {
	conn, err := c.dial()
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Close() }()

	if err := WriteFrame(conn, req); err != nil {
		return nil, fmt.Errorf("send %s: %w", req.Command, err)
	}
	var resp Response
	if err := ReadFrame(conn, &resp); err != nil {
		return nil, fmt.Errorf("read %s response: %w", req.Command, err)
	}
	return &resp, nil
}

func (c *Client) dial() (net.Conn, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return nil, fmt.Errorf(
			"cannot reach daemon at %s: %w\n"+
				"Is the daemon running? Start it with: batchpilot daemon",
			c.socketPath, err,
		)
	}
	_ = conn.SetDeadline(time.Now().Add(c.timeout))
	return conn, nil
}
