// Package worker implements ClientWorker, the per-connection handshake
// state machine: nonce challenge, password verification, callsign
// authorization, and hand-off to a free ProxySlot. Grounded on
// original_source/src/proxy.c's proxy_worker_authorize and
// proxy_worker_func, reshaped into the karoo proxy's goroutine-per-worker idiom
// (internal/proxy/proxy.go ClientLoop spawns one goroutine per
// accepted connection; here one long-lived goroutine per fixed worker
// slot, woken by a channel instead of re-spawned per connection).
package worker

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/openelp/elproxy/internal/apperrors"
	"github.com/openelp/elproxy/internal/authorizer"
	"github.com/openelp/elproxy/internal/connection"
	"github.com/openelp/elproxy/internal/digest"
)

// msgBadPassword and msgBadAuth are sent verbatim on handshake
// rejection. Both reuse the same 10-byte frame shape, varying only the
// trailing status byte.
var (
	msgBadPassword = []byte{0x07, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01}
	msgBadAuth     = []byte{0x07, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x02}
)

// Logger is the minimal logging surface a worker needs, satisfied by
// *logger.Logger.
type Logger interface {
	Info(format string, v ...any)
	Warn(format string, v ...any)
	Error(format string, v ...any)
}

// MetricsSink receives handshake outcome counters.
type MetricsSink interface {
	IncrementHandshakeFailures()
	IncrementAuthDenials()
	IncrementAdmissions()
	IncrementRejections()
}

// AdmitFunc hands an authorized client off to a free slot, in
// deterministic slot-index order, returning apperrors.KindBusy if every
// slot is currently occupied. It blocks until the admitted session
// ends.
type AdmitFunc func(callsign string, client *connection.Client) error

// ClientWorker owns exactly one in-flight handshake/session at a time.
// Its connection is guarded by mu the way proxy_worker's conn_client is
// guarded by pw->mutex in the original.
type ClientWorker struct {
	index    int
	password string
	auth     *authorizer.Authorizer
	log      Logger
	metrics  MetricsSink
	admit    AdmitFunc

	mu     sync.Mutex
	client *connection.Client

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

// New constructs a ClientWorker. admit is supplied by the core, which
// owns the shared slot pool.
func New(index int, password string, auth *authorizer.Authorizer, log Logger, metrics MetricsSink, admit AdmitFunc) *ClientWorker {
	return &ClientWorker{
		index:    index,
		password: password,
		auth:     auth,
		log:      log,
		metrics:  metrics,
		admit:    admit,
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
}

// Accept hands a freshly accepted connection to this worker. Returns
// apperrors.KindBusy if the worker is already servicing a client,
// mirroring proxy_worker_accept's EBUSY-on-non-NULL-conn_client check.
func (w *ClientWorker) Accept(client *connection.Client) error {
	w.mu.Lock()
	if w.client != nil {
		w.mu.Unlock()
		return apperrors.New(apperrors.KindBusy, "worker is already servicing a client")
	}
	w.client = client
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
	return nil
}

// Run services wake-ups until Stop is called. Intended to run for the
// lifetime of the core.
func (w *ClientWorker) Run() {
	w.done = make(chan struct{})
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		case <-w.wake:
			w.service()
		}
	}
}

// Stop signals Run to exit and waits for it to do so. Safe to call
// even if Run was never started, and safe to call more than once.
func (w *ClientWorker) Stop() {
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
	if w.done != nil {
		<-w.done
	}
}

// service runs one full handshake-then-admit cycle for the client
// currently held by the worker, then releases it back to Idle.
func (w *ClientWorker) service() {
	w.mu.Lock()
	client := w.client
	w.mu.Unlock()
	if client == nil {
		return
	}

	remote := client.RemoteAddr()

	callsign, err := w.authorize(client)
	if err != nil {
		w.log.Info("client %s failed the handshake: %v", remote, err)
		w.metrics.IncrementHandshakeFailures()
		client.Close()
		w.release()
		return
	}

	if err := w.admit(callsign, client); err != nil {
		w.log.Warn("client %s (%s) could not be admitted: %v", callsign, remote, err)
		w.metrics.IncrementRejections()
		client.Close()
		w.release()
		return
	}

	w.metrics.IncrementAdmissions()
	w.log.Info("client %s (%s) disconnected", callsign, remote)
	w.release()
}

func (w *ClientWorker) release() {
	w.mu.Lock()
	w.client = nil
	w.mu.Unlock()
}

// authorize performs the nonce/password/callsign handshake per
// proxy_worker_authorize: an 8-byte hex nonce is sent, then 16 bytes
// are read and scanned for '\n' within the first 11 bytes to recover a
// callsign, then idx+1 more bytes are read so the password response
// starts immediately after the newline.
func (w *ClientWorker) authorize(client *connection.Client) (string, error) {
	nonce, err := digest.Nonce()
	if err != nil {
		return "", apperrors.Wrap(apperrors.KindFatal, "generating nonce", err)
	}

	nonceHex := digest.Hex32(nonce)
	if err := client.Send([]byte(nonceHex[:8])); err != nil {
		return "", apperrors.Wrap(apperrors.KindConnLost, "sending nonce", err)
	}

	expected := digest.Response(nonce, w.password)

	head, err := client.RecvExact(16)
	if err != nil {
		return "", apperrors.Wrap(apperrors.KindConnLost, "reading handshake head", err)
	}

	idx := -1
	for i := 0; i < 11; i++ {
		if head[i] == '\n' {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", apperrors.New(apperrors.KindInvalidData, "no newline found in first 11 bytes of handshake")
	}
	callsign := string(head[:idx])

	tail, err := client.RecvExact(idx + 1)
	if err != nil {
		return "", apperrors.Wrap(apperrors.KindConnLost, "reading handshake tail", err)
	}

	buf := make([]byte, 0, 16+idx+1)
	buf = append(buf, head...)
	buf = append(buf, tail...)
	response := buf[idx+1 : idx+1+len(expected)]

	if !bytes.Equal(response, expected[:]) {
		w.log.Info("client '%s' supplied an incorrect password", callsign)
		_ = client.Send(msgBadPassword)
		return "", apperrors.New(apperrors.KindAccessDenied, fmt.Sprintf("client %q supplied an incorrect password", callsign))
	}

	if !w.auth.Allowed(callsign) {
		w.log.Info("client '%s' is not authorized to use this proxy", callsign)
		w.metrics.IncrementAuthDenials()
		_ = client.Send(msgBadAuth)
		return "", apperrors.New(apperrors.KindAccessDenied, fmt.Sprintf("client %q is not authorized", callsign))
	}

	return callsign, nil
}
