package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"
)

// dialTimeout covers only the connect phase.
const dialTimeout = 5 * time.Second

// responseReadTimeout is how long the client waits for the response.
const responseReadTimeout = 45 * time.Second

// maxResponseSize bounds one response.
const maxResponseSize = 4 * 1024 * 1024

// RemoteError is returned by Call when the server answered with an error.
type RemoteError struct {
	Type string
	Body ErrorBody
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Body.Message)
}

// Client sends control requests to a Server. Each Call uses a new
// connection.
type Client struct {
	socketPath string
}

// NewClient creates a client for the socket at socketPath.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

// Call sends req and returns the raw data of a successful response. A
// server-side failure is a *RemoteError.
func (c *Client) Call(ctx context.Context, req Request) (json.RawMessage, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", c.socketPath, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(responseReadTimeout))
	}

	// Encode terminates the request with the newline the server reads up to.
	// The write side stays open: the server treats EOF as a hang-up and
	// cancels the request.
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("writing request: %w", err)
	}

	var resp Response
	if err := json.NewDecoder(bufio.NewReader(io.LimitReader(conn, maxResponseSize))).Decode(&resp); err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.Error != nil {
		return nil, &RemoteError{Type: req.Type, Body: *resp.Error}
	}
	return resp.Data, nil
}
