// Package peerclient implements the short-lived one-shot RPC client
// used by the cluster manager and the replicator to talk to peers:
// dial, send one JSON line, read one JSON line, close (spec §4.6).
package peerclient

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// DefaultTimeout bounds every peer RPC end to end, per spec §5
// ("All peer-to-peer RPC calls use a <=2-second per-call timeout").
const DefaultTimeout = 2 * time.Second

// Client is a stateless dialer; it holds no per-peer connections.
type Client struct {
	// Timeout bounds dial+write+read for a single call. Zero means
	// DefaultTimeout.
	Timeout time.Duration
}

// New returns a Client using DefaultTimeout.
func New() *Client {
	return &Client{Timeout: DefaultTimeout}
}

// Send dials addr, writes request as one newline-terminated JSON line,
// reads exactly one newline-terminated JSON line back into response,
// and closes the connection. The whole exchange is bounded by c.Timeout
// (or DefaultTimeout).
func (c *Client) Send(ctx context.Context, addr string, request, response interface{}) error {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("peerclient: dial %s: %w", addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	payload, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("peerclient: marshal request: %w", err)
	}
	if _, err := conn.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("peerclient: write to %s: %w", addr, err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), 1<<20)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("peerclient: read from %s: %w", addr, err)
		}
		return fmt.Errorf("peerclient: %s closed connection with no response", addr)
	}

	if response != nil {
		if err := json.Unmarshal(scanner.Bytes(), response); err != nil {
			return fmt.Errorf("peerclient: decode response from %s: %w", addr, err)
		}
	}
	return nil
}
