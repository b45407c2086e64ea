// Package query reads live status from a Minecraft server without going
// through the supervised process. BasicStatus uses the Server List Ping a
// game client performs; FullQuery uses the UDP query protocol, which must be
// enabled with enable-query=true in server.properties.
package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// DefaultTimeout bounds a single query round trip.
const DefaultTimeout = 5 * time.Second

// ErrUnreachable means the server is offline, refused the connection, timed
// out, answered with garbage, or has the query feature disabled. Callers should
// treat it as the ordinary "offline" outcome.
var ErrUnreachable = errors.New("query: server unreachable")

// Snapshot is the read-only result of one status or query call.
type Snapshot struct {
	Version     string        `json:"version,omitempty"`
	Protocol    int           `json:"protocol,omitempty"`
	Latency     time.Duration `json:"-"`
	OnlineCount int           `json:"online"`
	MaxCount    int           `json:"max"`
	PlayerNames []string      `json:"players"`
	MOTD        string        `json:"motd,omitempty"`
	Map         string        `json:"map,omitempty"`
	GameType    string        `json:"game_type,omitempty"`
}

// MarshalJSON reports latency in milliseconds and always writes the player
// list, empty when the status ping carried no sample.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	type plain Snapshot
	if s.PlayerNames == nil {
		s.PlayerNames = []string{}
	}
	return json.Marshal(struct {
		plain
		LatencyMS int64 `json:"latency_ms"`
	}{plain(s), s.Latency.Milliseconds()})
}

// Client queries one server. The host is resolved once, in New, and the
// resolved address is reused for every call.
type Client struct {
	host       string
	statusAddr *net.TCPAddr
	queryAddr  *net.UDPAddr
	resolveErr error
	timeout    time.Duration
	log        *zap.Logger
}

// New resolves host and prepares a client for the game port (status) and
// query port (full query). A resolution failure is kept and reported as
// ErrUnreachable by every call.
func New(ctx context.Context, host string, gamePort, queryPort int, timeout time.Duration, log *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	c := &Client{host: host, timeout: timeout, log: log.With(zap.String("host", host))}

	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ips, err := net.DefaultResolver.LookupIPAddr(rctx, host)
	if err != nil {
		c.resolveErr = err
		c.log.Warn("resolve server host", zap.Error(err))
		return c
	}
	if len(ips) == 0 {
		c.resolveErr = fmt.Errorf("no addresses for %s", host)
		return c
	}
	ip := pickIP(ips)
	c.statusAddr = &net.TCPAddr{IP: ip.IP, Port: gamePort, Zone: ip.Zone}
	c.queryAddr = &net.UDPAddr{IP: ip.IP, Port: queryPort, Zone: ip.Zone}
	return c
}

// pickIP prefers IPv4, which is what most server.properties bind to.
func pickIP(ips []net.IPAddr) net.IPAddr {
	for _, ip := range ips {
		if ip.IP.To4() != nil {
			return ip
		}
	}
	return ips[0]
}

// BasicStatus performs a Server List Ping: version, latency and player counts.
func (c *Client) BasicStatus(ctx context.Context) (*Snapshot, error) {
	if c.resolveErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnreachable, c.resolveErr)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	snap, err := pingStatus(ctx, c.statusAddr, c.host)
	if err != nil {
		c.log.Debug("status ping failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	return snap, nil
}

// FullQuery performs a UDP full stat query, returning the player roster. An
// empty server yields an empty, non-nil PlayerNames.
func (c *Client) FullQuery(ctx context.Context) (*Snapshot, error) {
	if c.resolveErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnreachable, c.resolveErr)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	snap, err := fullStat(ctx, c.queryAddr)
	if err != nil {
		c.log.Debug("full query failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	return snap, nil
}

// Outcome is BasicStatus with "offline" folded into the value instead of an
// error.
type Outcome struct {
	Online   bool      `json:"online"`
	Snapshot *Snapshot `json:"snapshot,omitempty"`
	Reason   string    `json:"reason,omitempty"`
}

// Probe never fails: unreachable servers produce Outcome{Online: false}.
func (c *Client) Probe(ctx context.Context) Outcome {
	snap, err := c.BasicStatus(ctx)
	if err != nil {
		return Outcome{Reason: err.Error()}
	}
	return Outcome{Online: true, Snapshot: snap}
}

// Addr describes the endpoints for logs and diagnostics.
func (c *Client) Addr() string {
	if c.statusAddr == nil {
		return c.host
	}
	return c.statusAddr.String() + " (query udp/" + strconv.Itoa(c.queryAddr.Port) + ")"
}
