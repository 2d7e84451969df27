// Package sdk provides the client-side library for the USSD daemon.
// It speaks the daemon's TCP line protocol over TLS or plain TCP.
package sdk

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/celerix-dev/ussd-whisperer/pkg/schema"
)

// DisableTLSEnv switches Connect to plain TCP when set to "true".
const DisableTLSEnv = "USSD_DISABLE_TLS"

// Client is a remote client for the USSD daemon.
// It implements the RecordService interface.
type Client struct {
	addr   string
	useTLS bool
	conn   net.Conn
	reader *bufio.Reader
	mu     sync.Mutex // Protects concurrent access to the connection
}

var _ RecordService = (*Client)(nil)

// Connect establishes a TLS-encrypted connection to a remote daemon.
// If USSD_DISABLE_TLS is set to "true", it falls back to plain TCP.
func Connect(addr string) (*Client, error) {
	return Dial(addr, os.Getenv(DisableTLSEnv) != "true")
}

// Dial connects to addr, with or without TLS.
func Dial(addr string, useTLS bool) (*Client, error) {
	c := &Client{addr: addr, useTLS: useTLS}
	if err := c.reconnect(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) reconnect() error {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}

	var conn net.Conn
	var err error

	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 60 * time.Second,
	}

	if c.useTLS {
		config := &tls.Config{
			InsecureSkipVerify: true, // The daemon uses a self-signed certificate
		}
		conn, err = tls.DialWithDialer(dialer, "tcp", c.addr, config)
	} else {
		conn, err = dialer.Dial("tcp", c.addr)
	}

	if err != nil {
		return err
	}

	c.conn = conn
	c.reader = bufio.NewReader(conn)
	return nil
}

// sendAndReceive writes one command line and returns the payload of the "OK" reply.
func (c *Client) sendAndReceive(ctx context.Context, cmd string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	var resp string

	// Try up to 3 times with exponential backoff
	for i := 0; i < 3; i++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}

		if c.conn == nil {
			if reconnectErr := c.reconnect(); reconnectErr != nil {
				err = fmt.Errorf("reconnect failed: %w", reconnectErr)
				time.Sleep(time.Duration(i*100) * time.Millisecond)
				continue
			}
		}

		deadline := time.Now().Add(30 * time.Second)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		c.conn.SetDeadline(deadline)

		_, err = fmt.Fprint(c.conn, cmd+"\n")
		if err == nil {
			resp, err = c.reader.ReadString('\n')
			if err == nil {
				return parseReply(strings.TrimSpace(resp))
			}
		}

		fmt.Fprintf(os.Stderr, "[ussd sdk] Attempt %d failed: %v. Reconnecting...\n", i+1, err)

		// Force a reconnect on the next iteration
		if closeErr := c.reconnect(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "[ussd sdk] Reconnect attempt failed: %v\n", closeErr)
		}

		time.Sleep(time.Duration((i+1)*200) * time.Millisecond)
	}

	return "", fmt.Errorf("failed after 3 attempts. last error: %w", err)
}

// replyErrors maps protocol error messages back to their sentinels.
var replyErrors = []error{
	ErrRecordNotFound,
	ErrRecordExists,
	ErrSimNotFound,
	ErrSimExists,
	ErrSimDisabled,
	ErrActivationLimit,
	ErrAlreadyRunning,
}

func parseReply(resp string) (string, error) {
	switch {
	case resp == "OK" || resp == "PONG":
		return "", nil
	case strings.HasPrefix(resp, "OK "):
		return strings.TrimPrefix(resp, "OK "), nil
	case strings.HasPrefix(resp, "ERR"):
		msg := strings.TrimSpace(strings.TrimPrefix(resp, "ERR"))
		for _, target := range replyErrors {
			if msg == target.Error() {
				return "", target
			}
		}
		return "", errors.New(msg)
	default:
		return "", fmt.Errorf("unexpected reply %q", resp)
	}
}

// Ping checks that the daemon answers.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.sendAndReceive(ctx, "PING")
	return err
}

func (c *Client) ListRecords(ctx context.Context, order schema.Order) ([]schema.UssdRecord, error) {
	resp, err := c.sendAndReceive(ctx, fmt.Sprintf("LIST %s", order))
	if err != nil {
		return nil, err
	}
	var list []schema.UssdRecord
	if err := json.Unmarshal([]byte(resp), &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (c *Client) GetRecord(ctx context.Context, id string) (schema.UssdRecord, error) {
	var rec schema.UssdRecord
	resp, err := c.sendAndReceive(ctx, fmt.Sprintf("GET %s", id))
	if err != nil {
		return rec, err
	}
	err = json.Unmarshal([]byte(resp), &rec)
	return rec, err
}

func (c *Client) InsertRecord(ctx context.Context, in schema.NewRecord) (schema.UssdRecord, error) {
	var rec schema.UssdRecord
	jsonData, err := json.Marshal(in)
	if err != nil {
		return rec, err
	}
	resp, err := c.sendAndReceive(ctx, fmt.Sprintf("ADD %s", jsonData))
	if err != nil {
		return rec, err
	}
	err = json.Unmarshal([]byte(resp), &rec)
	return rec, err
}

func (c *Client) DeleteRecord(ctx context.Context, id string) error {
	_, err := c.sendAndReceive(ctx, fmt.Sprintf("DEL %s", id))
	return err
}

// Trigger asks the daemon to run the record now.
func (c *Client) Trigger(ctx context.Context, id string) error {
	_, err := c.sendAndReceive(ctx, fmt.Sprintf("RUN %s", id))
	return err
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	fmt.Fprintln(c.conn, "QUIT")
	err := c.conn.Close()
	c.conn = nil
	return err
}
