package proxy

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/openelp/elproxy/internal/config"
	"github.com/openelp/elproxy/internal/digest"
)

type testLogger struct{}

func (testLogger) Debug(format string, v ...any) {}
func (testLogger) Info(format string, v ...any)  {}
func (testLogger) Warn(format string, v ...any)  {}
func (testLogger) Error(format string, v ...any) {}

func testConfig(t *testing.T, extra ...func(*config.Config)) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Password:                    "TEST",
		BindAddress:                 "127.0.0.1",
		Port:                        0,
		RegistrationIntervalSeconds: 0, // no periodic ticker in tests; Announce is called explicitly
	}
	for _, f := range extra {
		f(cfg)
	}
	return cfg
}

func openCore(t *testing.T, cfg *config.Config) *Core {
	t.Helper()
	c, err := Open(cfg, testLogger{})
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// dialAndHandshake connects to the core's listener and plays the
// client side of the wire protocol, returning whatever bytes the
// server sent back (if any) within a short deadline.
func dialAndHandshake(t *testing.T, addr net.Addr, callsign, password string) ([]byte, net.Conn) {
	t.Helper()
	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	nonceBuf := make([]byte, 8)
	if _, err := conn.Read(nonceBuf); err != nil {
		t.Fatalf("reading nonce: %v", err)
	}
	nonce, err := digest.ParseHex32(string(nonceBuf))
	if err != nil {
		t.Fatalf("parsing nonce: %v", err)
	}

	resp := digest.Response(nonce, password)
	payload := append([]byte(callsign+"\n"), resp[:]...)
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("writing handshake payload: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	buf := make([]byte, 16)
	n, _ := conn.Read(buf)
	return buf[:n], conn
}

func TestOpenStartAcceptHappyPath(t *testing.T) {
	cfg := testConfig(t)
	c := openCore(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	go c.AcceptLoop(ctx)

	resp, conn := dialAndHandshake(t, c.Addr(), "W1AW", "TEST")
	defer conn.Close()

	if len(resp) != 0 {
		t.Fatalf("expected no rejection bytes on success, got %x", resp)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if c.slots[0].InUse() {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !c.slots[0].InUse() {
		t.Fatal("expected slot 0 to become active after a successful handshake")
	}
	if got := c.metrics.GetSlotsUsed(); got != 1 {
		t.Fatalf("expected SlotsUsed 1, got %d", got)
	}
}

func TestWrongPasswordIsRejected(t *testing.T) {
	cfg := testConfig(t)
	c := openCore(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	go c.AcceptLoop(ctx)

	resp, conn := dialAndHandshake(t, c.Addr(), "W1AW", "WRONG")
	defer conn.Close()

	want := []byte{0x07, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01}
	if string(resp) != string(want) {
		t.Fatalf("expected bad-password message %x, got %x", want, resp)
	}

	time.Sleep(50 * time.Millisecond)
	if c.slots[0].InUse() {
		t.Fatal("slot should remain idle after a rejected password")
	}
}

func TestDeniedCallsignIsRejected(t *testing.T) {
	cfg := testConfig(t, func(c *config.Config) {
		c.CallsignDenyList = "^BAD.*"
	})
	c := openCore(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	go c.AcceptLoop(ctx)

	resp, conn := dialAndHandshake(t, c.Addr(), "BADCALL", "TEST")
	defer conn.Close()

	want := []byte{0x07, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x02}
	if string(resp) != string(want) {
		t.Fatalf("expected bad-auth message %x, got %x", want, resp)
	}
}

func TestOverflowDropsConnectionWithoutResponse(t *testing.T) {
	cfg := testConfig(t)
	c := openCore(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	go c.AcceptLoop(ctx)

	// Hold the single worker busy mid-handshake by connecting but never
	// completing the protocol.
	busy, err := net.Dial("tcp", c.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer busy.Close()
	// Drain the nonce so the worker is parked waiting on the next read.
	busy.SetReadDeadline(time.Now().Add(time.Second))
	io8 := make([]byte, 8)
	busy.Read(io8)

	time.Sleep(50 * time.Millisecond) // let the worker actually become busy

	overflow, err := net.Dial("tcp", c.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer overflow.Close()

	overflow.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	buf := make([]byte, 8)
	n, err := overflow.Read(buf)
	if n != 0 {
		t.Fatalf("expected overflow connection to receive no bytes, got %d", n)
	}
	if err == nil {
		t.Fatal("expected overflow connection to be closed by the server")
	}
}

func TestShutdownWhileIdle(t *testing.T) {
	cfg := testConfig(t)
	c := openCore(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	if got := c.UsableClients(); got != 1 {
		t.Fatalf("expected UsableClients 1 after Start, got %d", got)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- c.AcceptLoop(ctx) }()

	c.Shutdown()
	if got := c.UsableClients(); got != 0 {
		t.Fatalf("expected UsableClients 0 after Shutdown, got %d", got)
	}

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("expected AcceptLoop to return nil after Shutdown, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("AcceptLoop did not return promptly after Shutdown closed the listener")
	}
}

func TestDoubleShutdownIsSafe(t *testing.T) {
	cfg := testConfig(t)
	c := openCore(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	c.Shutdown()
	c.Shutdown()
	if got := c.UsableClients(); got != 0 {
		t.Fatalf("expected UsableClients 0 after double Shutdown, got %d", got)
	}
}

func TestMultiSlotSourceAddrAssignment(t *testing.T) {
	cfg := testConfig(t, func(c *config.Config) {
		c.BindAddressExt = "127.0.0.1"
		c.BindAddressExtAdd = []string{"127.0.0.2"}
	})
	c := openCore(t, cfg)

	if len(c.slots) != 2 {
		t.Fatalf("expected 2 slots, got %d", len(c.slots))
	}
	if len(c.workers) != 2 {
		t.Fatalf("expected 2 workers, got %d", len(c.workers))
	}
	if got := c.slots[0].SourceAddr(); got != "127.0.0.1" {
		t.Fatalf("expected slot 0 source addr 127.0.0.1, got %s", got)
	}
	if got := c.slots[1].SourceAddr(); got != "127.0.0.2" {
		t.Fatalf("expected slot 1 source addr 127.0.0.2, got %s", got)
	}
}
