package worker

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/openelp/elproxy/internal/authorizer"
	"github.com/openelp/elproxy/internal/connection"
	"github.com/openelp/elproxy/internal/digest"
)

type fakeLogger struct{}

func (fakeLogger) Info(format string, v ...any)  {}
func (fakeLogger) Warn(format string, v ...any)  {}
func (fakeLogger) Error(format string, v ...any) {}

type fakeMetrics struct {
	mu                sync.Mutex
	handshakeFailures int
	authDenials       int
	admissions        int
	rejections        int
}

func (f *fakeMetrics) IncrementHandshakeFailures() {
	f.mu.Lock()
	f.handshakeFailures++
	f.mu.Unlock()
}
func (f *fakeMetrics) IncrementAuthDenials() {
	f.mu.Lock()
	f.authDenials++
	f.mu.Unlock()
}
func (f *fakeMetrics) IncrementAdmissions() {
	f.mu.Lock()
	f.admissions++
	f.mu.Unlock()
}
func (f *fakeMetrics) IncrementRejections() {
	f.mu.Lock()
	f.rejections++
	f.mu.Unlock()
}

func noopAuthorizer(t *testing.T) *authorizer.Authorizer {
	t.Helper()
	a, err := authorizer.New("", "", fakeLogger{})
	if err != nil {
		t.Fatalf("authorizer.New: %v", err)
	}
	return a
}

// clientHandshake plays the client side of the wire protocol and
// returns whatever the server sent back, if anything, within a short
// deadline.
func clientHandshake(t *testing.T, conn net.Conn, callsign, password string) []byte {
	t.Helper()
	nonceBuf := make([]byte, 8)
	if _, err := conn.Read(nonceBuf); err != nil {
		t.Fatalf("reading nonce: %v", err)
	}
	var nonce uint32
	n, err := digest.ParseHex32(string(nonceBuf))
	if err != nil {
		t.Fatalf("parsing nonce: %v", err)
	}
	nonce = n

	resp := digest.Response(nonce, password)
	payload := append([]byte(callsign+"\n"), resp[:]...)
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("writing handshake payload: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	buf := make([]byte, 16)
	n2, _ := conn.Read(buf)
	return buf[:n2]
}

func TestAuthorizeSuccess(t *testing.T) {
	server, clientConn := net.Pipe()
	defer server.Close()

	metrics := &fakeMetrics{}
	var admittedCallsign string
	admit := func(callsign string, c *connection.Client) error {
		admittedCallsign = callsign
		return nil
	}

	w := New(0, "secret", noopAuthorizer(t), fakeLogger{}, metrics, admit)
	w.client = connection.NewClient(server)

	done := make(chan struct{})
	go func() {
		clientHandshake(t, clientConn, "W1AW", "secret")
		close(done)
	}()

	w.service()
	<-done

	if admittedCallsign != "W1AW" {
		t.Fatalf("expected admitted callsign W1AW, got %q", admittedCallsign)
	}
	if metrics.admissions != 1 {
		t.Fatalf("expected 1 admission, got %d", metrics.admissions)
	}
}

func TestAuthorizeBadPassword(t *testing.T) {
	server, clientConn := net.Pipe()
	defer server.Close()

	metrics := &fakeMetrics{}
	admit := func(callsign string, c *connection.Client) error { return nil }
	w := New(0, "secret", noopAuthorizer(t), fakeLogger{}, metrics, admit)
	w.client = connection.NewClient(server)

	var resp []byte
	done := make(chan struct{})
	go func() {
		resp = clientHandshake(t, clientConn, "W1AW", "wrong")
		close(done)
	}()

	w.service()
	<-done

	if metrics.handshakeFailures != 1 {
		t.Fatalf("expected 1 handshake failure, got %d", metrics.handshakeFailures)
	}
	if len(resp) != 10 {
		t.Fatalf("expected 10-byte rejection message, got %d bytes", len(resp))
	}
	want := []byte{0x07, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01}
	if string(resp) != string(want) {
		t.Fatalf("expected bad-password message %x, got %x", want, resp)
	}
}

func TestAuthorizeDeniedCallsign(t *testing.T) {
	server, clientConn := net.Pipe()
	defer server.Close()

	a, err := authorizer.New("", "^BAD.*", fakeLogger{})
	if err != nil {
		t.Fatalf("authorizer.New: %v", err)
	}

	metrics := &fakeMetrics{}
	admit := func(callsign string, c *connection.Client) error {
		t.Fatal("admit should not be called for a denied callsign")
		return nil
	}
	w := New(0, "secret", a, fakeLogger{}, metrics, admit)
	w.client = connection.NewClient(server)

	var resp []byte
	done := make(chan struct{})
	go func() {
		resp = clientHandshake(t, clientConn, "BADCALL", "secret")
		close(done)
	}()

	w.service()
	<-done

	if metrics.authDenials != 1 {
		t.Fatalf("expected 1 auth denial, got %d", metrics.authDenials)
	}
	want := []byte{0x07, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x02}
	if string(resp) != string(want) {
		t.Fatalf("expected bad-auth message %x, got %x", want, resp)
	}
}

func TestAcceptReturnsBusyWhenOccupied(t *testing.T) {
	_, clientConn1 := net.Pipe()
	_, clientConn2 := net.Pipe()
	defer clientConn1.Close()
	defer clientConn2.Close()

	admit := func(callsign string, c *connection.Client) error { return nil }
	w := New(0, "secret", noopAuthorizer(t), fakeLogger{}, &fakeMetrics{}, admit)

	if err := w.Accept(connection.NewClient(clientConn1)); err != nil {
		t.Fatalf("first Accept should succeed: %v", err)
	}
	if err := w.Accept(connection.NewClient(clientConn2)); err == nil {
		t.Fatal("expected second Accept to fail with busy")
	}
}
