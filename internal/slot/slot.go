// Package slot implements ProxySlot, the fixed-size pool unit that holds
// an admitted client's session once a worker has finished the handshake:
// it owns the external UDP data and control sockets, learns the remote
// peer address from inbound data packets, and tears the session down
// when the client disconnects. Packet payloads are not forwarded between
// the client and the peer.
// Grounded on the karoo proxy's internal/proxy/proxy.go Client struct (atomic
// state fields guarded by a per-unit mutex) applied to relay state
// instead of mining session state.
package slot

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openelp/elproxy/internal/apperrors"
	"github.com/openelp/elproxy/internal/connection"
	"github.com/openelp/elproxy/internal/dialer"
)

// remoteControlPort is the conventional EchoLink TCP link-status port
// probed once a slot's peer address has been learned from inbound UDP
// traffic, confirming reachability of a station's control channel
// alongside the UDP stream.
const remoteControlPort = 5200

// State is the slot's admission state machine.
type State int32

const (
	Idle State = iota
	Active
)

// Logger is the minimal logging surface a slot needs for its
// best-effort remote-link probe, satisfied by *logger.Logger.
type Logger interface {
	Debug(format string, v ...any)
	Warn(format string, v ...any)
}

// ProxySlot owns one pair of external UDP sockets (and, once a peer
// address is learned, an outbound TCP link-status connection) for the
// admitted client while Active. It reads the data socket to learn the
// peer address but does not forward payloads in either direction, and
// it does not read the control socket.
type ProxySlot struct {
	index      int
	sourceAddr string
	dial       *dialer.Dialer
	log        Logger

	state atomic.Int32

	mu       sync.Mutex
	client   *connection.Client
	callsign string
	remote   net.Addr
	probed   bool

	data       *connection.DataSocket
	control    *connection.ControlSocket
	remoteConn net.Conn

	stop chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// New constructs a ProxySlot bound to sourceAddr, with its data and
// control sockets on the conventional EchoLink ports (5198 data, 5199
// control); the offset across slots is applied by the caller via addr
// selection, not port arithmetic, since each external address is
// already distinct. dial is used for the slot's best-effort outbound
// TCP link-status probe once a remote peer address is learned; log may
// be nil, in which case probe outcomes are not reported.
func New(index int, sourceAddr string, dial *dialer.Dialer, log Logger) *ProxySlot {
	return &ProxySlot{index: index, sourceAddr: sourceAddr, dial: dial, log: log}
}

// Open binds the slot's UDP sockets. Must be called once before Accept.
func (s *ProxySlot) Open() error {
	data, err := connection.NewDataSocket(s.sourceAddr, 5198)
	if err != nil {
		return fmt.Errorf("slot %d: binding data socket: %w", s.index, err)
	}
	control, err := connection.NewControlSocket(s.sourceAddr, 5199)
	if err != nil {
		data.Close()
		return fmt.Errorf("slot %d: binding control socket: %w", s.index, err)
	}
	s.data = data
	s.control = control
	return nil
}

// Close releases the slot's sockets. Must only be called once the
// slot is Idle.
func (s *ProxySlot) Close() error {
	var firstErr error
	if s.data != nil {
		if err := s.data.Close(); err != nil {
			firstErr = err
		}
	}
	if s.control != nil {
		if err := s.control.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// InUse reports whether the slot currently holds an active session.
func (s *ProxySlot) InUse() bool {
	return State(s.state.Load()) == Active
}

// SourceAddr returns the external bind address this slot relays from.
func (s *ProxySlot) SourceAddr() string {
	return s.sourceAddr
}

// Accept transitions the slot from Idle to Active for a newly admitted
// client, starting its relay loop. Returns an apperrors.KindBusy error
// if the slot is already Active.
func (s *ProxySlot) Accept(client *connection.Client, callsign string) error {
	if !s.state.CompareAndSwap(int32(Idle), int32(Active)) {
		return apperrors.New(apperrors.KindBusy, fmt.Sprintf("slot %d: already in use", s.index))
	}

	s.mu.Lock()
	s.client = client
	s.callsign = callsign
	s.probed = false
	s.mu.Unlock()

	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.wg.Add(2)
	go s.process()
	go s.watchClient(client)
	return nil
}

// Done returns a channel that closes once this session (the one
// active when Done was called) ends, via Finish or Drop. Callers must
// fetch Done() before the session they're tracking could possibly end.
func (s *ProxySlot) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// process reads packets from the data socket, recording the sender as
// the session's remote peer and starting a link-status probe on the
// first one, until Drop or Finish closes the stop channel or a read
// fails with a non-timeout error. Payloads are discarded: nothing is
// forwarded to the client or written back to the peer. A blocked ReadFrom is
// unblocked on shutdown by drop() forcing a read deadline, since the
// data socket is reused across sessions and cannot simply be closed.
func (s *ProxySlot) process() {
	defer s.wg.Done()
	buf := make([]byte, 2048)
	for {
		select {
		case <-s.stop:
			return
		default:
		}

		n, addr, err := s.data.ReadFrom(buf)
		if err != nil {
			select {
			case <-s.stop:
				return
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}

		s.mu.Lock()
		s.remote = addr
		firstPacket := !s.probed
		s.probed = true
		s.mu.Unlock()

		if firstPacket {
			go s.probeRemote(addr)
		}

		_ = n // the payload is not forwarded
	}
}

// probeRemote makes a best-effort outbound TCP connection to the
// peer's conventional link-status port once its address is learned
// from the first inbound UDP datagram, optionally via the configured
// SOCKS5 egress dialer. Failure is logged at DEBUG and otherwise
// ignored; reachability of this port is not required for the UDP
// relay to function.
func (s *ProxySlot) probeRemote(addr net.Addr) {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return
	}

	conn, err := s.dial.Dial("tcp", net.JoinHostPort(host, fmt.Sprintf("%d", remoteControlPort)))
	if err != nil {
		if s.log != nil {
			s.log.Debug("slot %d: remote link-status probe to %s failed: %v", s.index, host, err)
		}
		return
	}

	s.mu.Lock()
	if State(s.state.Load()) != Active {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.remoteConn = conn
	s.mu.Unlock()
}

// watchClient blocks reading from the admitted client's TCP connection
// and ends the session the moment that read fails, treating a closed
// client stream as session termination. Any bytes a client sends after
// the handshake are discarded rather than interpreted.
func (s *ProxySlot) watchClient(client *connection.Client) {
	defer s.wg.Done()
	for {
		if _, err := client.RecvExact(1); err != nil {
			go s.Finish()
			return
		}
	}
}

// Finish ends the active session cleanly, returning the slot to Idle.
func (s *ProxySlot) Finish() {
	s.drop()
}

// Drop ends the active session abruptly (e.g. on handshake worker
// shutdown), returning the slot to Idle.
func (s *ProxySlot) Drop() {
	s.drop()
}

func (s *ProxySlot) drop() {
	if !s.state.CompareAndSwap(int32(Active), int32(Idle)) {
		return
	}
	close(s.stop)
	_ = s.data.SetReadDeadline(time.Now())

	s.mu.Lock()
	if s.client != nil {
		s.client.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	_ = s.data.SetReadDeadline(time.Time{})

	s.mu.Lock()
	if s.remoteConn != nil {
		s.remoteConn.Close()
		s.remoteConn = nil
	}
	s.client = nil
	s.callsign = ""
	s.remote = nil
	s.probed = false
	done := s.done
	s.mu.Unlock()
	close(done)
}

// Callsign returns the callsign of the currently admitted client, or
// "" if the slot is idle.
func (s *ProxySlot) Callsign() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callsign
}
