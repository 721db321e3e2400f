// Package dialer provides the outbound network dialer used by a slot to
// reach a remote EchoLink endpoint, optionally via a SOCKS5 egress
// proxy. Adapted from the karoo proxy's internal/proxysocks/proxy.go, which
// wrapped golang.org/x/net/proxy the same way for upstream pool
// connections.
package dialer

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"

	"golang.org/x/net/proxy"

	"github.com/openelp/elproxy/internal/config"
)

// Dialer dials outbound TCP connections for slot sessions, either
// directly or through a configured SOCKS5 egress proxy. EchoLink's UDP
// data/control sockets are bound directly by the slot and are not
// routed through this dialer, since SOCKS5 has no general-purpose UDP
// association support in golang.org/x/net/proxy.
type Dialer struct {
	cfg    config.Egress
	dialer proxy.Dialer
}

// New constructs a Dialer from an Egress configuration.
func New(cfg config.Egress) (*Dialer, error) {
	if !cfg.Enabled {
		return &Dialer{
			cfg:    cfg,
			dialer: &net.Dialer{Timeout: 10 * time.Second},
		}, nil
	}

	if cfg.Host == "" || cfg.Port == 0 {
		return nil, fmt.Errorf("dialer: egress host and port are required when egress is enabled")
	}

	proxyAddr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	authURL := &url.URL{Scheme: "socks5", Host: proxyAddr}
	if cfg.Username != "" {
		authURL.User = url.UserPassword(cfg.Username, cfg.Password)
	}

	d, err := proxy.FromURL(authURL, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("dialer: constructing socks5 dialer: %w", err)
	}

	return &Dialer{cfg: cfg, dialer: d}, nil
}

// Dial opens a connection to address over network, through the egress
// proxy when enabled. "udp" works only when egress is disabled; the
// SOCKS5 dialer supports "tcp" only.
func (d *Dialer) Dial(network, address string) (net.Conn, error) {
	return d.dialer.Dial(network, address)
}

// DialContext is Dial with cancellation, falling back to a goroutine
// wrapper when the underlying dialer predates context support.
func (d *Dialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if dc, ok := d.dialer.(interface {
		DialContext(context.Context, string, string) (net.Conn, error)
	}); ok {
		return dc.DialContext(ctx, network, address)
	}

	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := d.dialer.Dial(network, address)
		ch <- result{conn, err}
	}()

	select {
	case r := <-ch:
		return r.conn, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Enabled reports whether egress is routed through a SOCKS5 proxy.
func (d *Dialer) Enabled() bool {
	return d.cfg.Enabled
}
