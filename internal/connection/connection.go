// Package connection wraps the raw sockets a worker and slot operate
// on: a buffered TCP client connection for the handshake, and the pair
// of UDP sockets (data, control) a slot relays once a client is
// admitted. Adapted from the karoo proxy's internal/connection/connection.go,
// which wrapped net.Conn the same way for upstream/downstream pool
// connections.
package connection

import (
	"bufio"
	"fmt"
	"io"
	"math/rand"
	"net"
	"sync"
	"time"
)

// Client wraps the TCP connection used for the handshake and for the
// lifetime of an admitted session's control channel.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
	br   *bufio.Reader
	bw   *bufio.Writer
}

// NewClient wraps an accepted net.Conn with buffered I/O.
func NewClient(conn net.Conn) *Client {
	return &Client{
		conn: conn,
		br:   bufio.NewReader(conn),
		bw:   bufio.NewWriter(conn),
	}
}

// Send writes p to the client and flushes immediately.
func (c *Client) Send(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("connection: client is closed")
	}
	if _, err := c.bw.Write(p); err != nil {
		return err
	}
	return c.bw.Flush()
}

// RecvExact reads exactly n bytes, returning io.EOF if the peer closes
// before any byte arrives and io.ErrUnexpectedEOF if it closes partway,
// matching the original's fixed-size recv calls during the handshake.
func (c *Client) RecvExact(n int) ([]byte, error) {
	buf := make([]byte, n)
	c.mu.Lock()
	br := c.br
	c.mu.Unlock()
	if br == nil {
		return nil, fmt.Errorf("connection: client is closed")
	}
	if _, err := io.ReadFull(br, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// RemoteAddr returns the client's remote address.
func (c *Client) RemoteAddr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ""
	}
	return c.conn.RemoteAddr().String()
}

// SetDeadline forwards to the underlying connection's deadline.
func (c *Client) SetDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("connection: client is closed")
	}
	return c.conn.SetDeadline(t)
}

// Close closes the underlying TCP connection. Safe to call more than
// once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.br = nil
	c.bw = nil
	return err
}

// DataSocket is the UDP socket a slot uses to relay RTP-style audio
// payloads once a client session is active.
type DataSocket struct {
	conn *net.UDPConn
}

// NewDataSocket binds a UDP socket on addr:port.
func NewDataSocket(addr string, port int) (*DataSocket, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", addr, port))
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	return &DataSocket{conn: conn}, nil
}

func (d *DataSocket) ReadFrom(buf []byte) (int, net.Addr, error) {
	return d.conn.ReadFrom(buf)
}

func (d *DataSocket) WriteTo(buf []byte, addr net.Addr) (int, error) {
	return d.conn.WriteTo(buf, addr)
}

func (d *DataSocket) LocalAddr() net.Addr {
	return d.conn.LocalAddr()
}

func (d *DataSocket) SetReadDeadline(t time.Time) error {
	return d.conn.SetReadDeadline(t)
}

func (d *DataSocket) Close() error {
	return d.conn.Close()
}

// ControlSocket is the UDP socket a slot uses to relay keep-alive and
// station-info control packets alongside its DataSocket.
type ControlSocket struct {
	*DataSocket
}

// NewControlSocket binds a UDP control socket on addr:port.
func NewControlSocket(addr string, port int) (*ControlSocket, error) {
	ds, err := NewDataSocket(addr, port)
	if err != nil {
		return nil, err
	}
	return &ControlSocket{DataSocket: ds}, nil
}

// Backoff computes a jittered retry delay, mirroring the karoo proxy's
// connection.Backoff used for upstream reconnects. When max <= min it
// returns min unchanged; otherwise it returns min times a random factor
// of 1, 2, 4 or 8, capped at max, plus up to 249ms of random jitter, so
// the result can exceed max by that jitter.
func Backoff(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	mul := 1 << rand.Intn(4) // 1, 2, 4, 8
	d := time.Duration(int64(min) * int64(mul))
	if d > max {
		d = max
	}
	return d + time.Duration(rand.Intn(250))*time.Millisecond
}
