// Package rcon runs single commands against a Minecraft server's remote
// console. Every call opens its own connection, authenticates, sends exactly
// one command and closes the connection again.
package rcon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gorcon/rcon"
	"go.uber.org/zap"
)

// DefaultTimeout bounds dial, handshake and the command round trip when the
// client is created without one.
const DefaultTimeout = 5 * time.Second

var (
	// ErrAuth is returned when the server rejects the login handshake.
	ErrAuth = errors.New("rcon: authentication failed")

	// ErrUnavailable is returned when the server cannot be reached: DNS
	// failure, refused connection, timeout or a broken stream.
	ErrUnavailable = errors.New("rcon: server unavailable")

	// ErrInvalidCommand is returned for empty or over-long commands. No
	// connection is made.
	ErrInvalidCommand = errors.New("rcon: invalid command")
)

// Client executes RCON commands against one address.
type Client struct {
	addr     string
	password string
	timeout  time.Duration
	strip    func(string) string
	log      *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithFormatter sets the function used to strip presentation codes from
// responses.
func WithFormatter(strip func(string) string) Option {
	return func(c *Client) { c.strip = strip }
}

// WithLogger attaches a logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *Client) { c.log = log }
}

func NewClient(addr, password string, opts ...Option) *Client {
	c := &Client{
		addr:     addr,
		password: password,
		timeout:  DefaultTimeout,
		strip:    func(s string) string { return s },
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With(zap.String("addr", addr))
	return c
}

// Execute opens a session, runs command and returns the response with
// formatting codes removed. The connection is closed on every path.
func (c *Client) Execute(ctx context.Context, command string) (string, error) {
	if command == "" || len(command) > rcon.MaxCommandLen {
		return "", fmt.Errorf("%w: length %d", ErrInvalidCommand, len(command))
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	type result struct {
		body string
		err  error
	}
	ch := make(chan result, 1)

	// gorcon is not context aware; its deadlines bound the goroutine, the
	// select lets the caller give up earlier.
	go func() {
		body, err := c.session(command)
		ch <- result{body, err}
	}()

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %w", ErrUnavailable, ctx.Err())
	case res := <-ch:
		if res.err != nil {
			return "", res.err
		}
		return c.strip(res.body), nil
	}
}

func (c *Client) session(command string) (string, error) {
	start := time.Now()
	conn, err := rcon.Dial(c.addr, c.password,
		rcon.SetDialTimeout(c.timeout),
		rcon.SetDeadline(c.timeout),
	)
	if err != nil {
		c.log.Debug("rcon login failed", zap.Error(err))
		return "", classify(err)
	}
	defer conn.Close()

	body, err := conn.Execute(command)
	if err != nil {
		c.log.Debug("rcon command failed", zap.String("command", command), zap.Error(err))
		return "", fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	c.log.Debug("rcon command executed",
		zap.String("command", command),
		zap.Int("response_bytes", len(body)),
		zap.Duration("duration", time.Since(start)),
	)
	return body, nil
}

// classify maps gorcon dial and handshake errors onto the package errors.
func classify(err error) error {
	switch {
	case errors.Is(err, rcon.ErrAuthFailed),
		errors.Is(err, rcon.ErrInvalidAuthResponse),
		errors.Is(err, rcon.ErrAuthNotRCON):
		return fmt.Errorf("%w: %w", ErrAuth, err)
	default:
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
}
