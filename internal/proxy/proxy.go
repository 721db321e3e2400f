// Package proxy implements ProxyCore, the lifecycle supervisor that
// owns the fixed pool of slots and workers, the TCP listener, and the
// admission loop that ties them together. Grounded on the karoo proxy's
// internal/proxy/proxy.go Proxy type (AcceptLoop/ClientLoop pair plus
// a Config-driven constructor), reshaped around a fixed-size worker
// and slot pool instead of one goroutine spawned per connection, so
// admission is gated by worker/slot availability rather than unbounded.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openelp/elproxy/internal/apperrors"
	"github.com/openelp/elproxy/internal/authorizer"
	"github.com/openelp/elproxy/internal/config"
	"github.com/openelp/elproxy/internal/connection"
	"github.com/openelp/elproxy/internal/dialer"
	"github.com/openelp/elproxy/internal/metrics"
	"github.com/openelp/elproxy/internal/registration"
	"github.com/openelp/elproxy/internal/slot"
	"github.com/openelp/elproxy/internal/worker"
)

// Logger is the logging surface ProxyCore and its owned components
// need, satisfied by *logger.Logger.
type Logger interface {
	Debug(format string, v ...any)
	Info(format string, v ...any)
	Warn(format string, v ...any)
	Error(format string, v ...any)
}

// Core is the ProxyCore lifecycle supervisor: it
// holds the fixed-size slot and worker pools, the listening socket,
// the usable-client gate, and the registration collaborator, and
// drives the init -> open -> start -> process* -> shutdown -> drop ->
// close -> free lifecycle.
type Core struct {
	cfg *config.Config
	log Logger

	authz     *authorizer.Authorizer
	metrics   *metrics.Collector
	announcer *registration.Announcer
	dial      *dialer.Dialer

	slots   []*slot.ProxySlot
	workers []*worker.ClientWorker

	usableMu sync.RWMutex
	usable   int

	ln net.Listener
}

// Open performs the §4.6 open sequence: allocate slot and worker
// pools, compile the authorizer patterns, bind each slot's UDP
// sockets, and bind the listening socket. On failure at step k,
// everything opened in steps 1..k-1 is unwound before returning.
func Open(cfg *config.Config, log Logger) (*Core, error) {
	n := cfg.SlotCount()

	authz, err := authorizer.New(cfg.CallsignAllowList, cfg.CallsignDenyList, log)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindFatal, "compiling callsign patterns", err)
	}

	d, err := dialer.New(cfg.Egress)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindFatal, "constructing egress dialer", err)
	}

	c := &Core{
		cfg:     cfg,
		log:     log,
		authz:   authz,
		metrics: metrics.NewCollector(n),
		dial:    d,
		slots:   make([]*slot.ProxySlot, n),
		workers: make([]*worker.ClientWorker, n),
	}

	for i := 0; i < n; i++ {
		s := slot.New(i, cfg.SourceAddr(i), d, log)
		if err := s.Open(); err != nil {
			for j := 0; j < i; j++ {
				c.slots[j].Close()
			}
			return nil, apperrors.Wrap(apperrors.KindFatal, fmt.Sprintf("opening slot %d", i), err)
		}
		c.slots[i] = s
	}

	for i := 0; i < n; i++ {
		c.workers[i] = worker.New(i, cfg.Password, authz, log, c.metrics, c.admit)
	}

	addr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		for _, s := range c.slots {
			s.Close()
		}
		return nil, apperrors.Wrap(apperrors.KindFatal, fmt.Sprintf("listening on %s", addr), err)
	}
	c.ln = ln

	c.announcer = registration.New(
		cfg.RegistrationURL,
		time.Duration(cfg.RegistrationIntervalSeconds)*time.Second,
		c.snapshot,
		log,
	)

	return c, nil
}

// Start begins running every worker and makes the full slot pool
// usable, then pushes the initial registration report and starts the
// registration collaborator.
func (c *Core) Start(ctx context.Context) {
	for _, w := range c.workers {
		go w.Run()
	}

	c.usableMu.Lock()
	c.usable = len(c.slots)
	c.usableMu.Unlock()

	c.announcer.Start(ctx)
	c.announcer.Announce()
}

// AcceptLoop runs the listener's accept loop until ctx is cancelled or
// Shutdown closes the listener (both return nil), or until the listener
// fails (the error is returned). Each accepted connection is
// handed, in index order, to the first non-busy worker; if every
// worker is busy the connection is closed without a response, which is
// deliberate load-shedding rather than an error.
func (c *Core) AcceptLoop(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		c.ln.Close()
	}()

	for {
		conn, err := c.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		client := connection.NewClient(conn)
		remote := client.RemoteAddr()
		c.log.Debug("accepted connection from %s", remote)

		if !c.dispatch(client) {
			c.log.Info("dropping client %s because there are no available slots", remote)
			c.metrics.IncrementRejections()
			client.Close()
		}
	}
}

// dispatch walks the usable worker range in index order and hands the
// client to the first one that isn't busy. It reports whether any
// worker accepted the connection.
func (c *Core) dispatch(client *connection.Client) bool {
	c.usableMu.RLock()
	defer c.usableMu.RUnlock()

	for i := 0; i < c.usable; i++ {
		if err := c.workers[i].Accept(client); err == nil {
			return true
		} else if !apperrors.Busy(err) {
			c.log.Error("worker %d accept error: %v", i, err)
		}
	}
	return false
}

// admit is the worker.AdmitFunc wired into every ClientWorker at Open
// time. It claims the first non-busy slot in index order, blocks until
// that session ends, and pushes a registration update on both the
// acquisition and the release.
func (c *Core) admit(callsign string, client *connection.Client) error {
	chosen, err := c.claimSlot(client, callsign)
	if err != nil {
		return err
	}

	c.metrics.SlotAcquired()
	c.announcer.Announce()

	<-chosen.Done()

	c.metrics.SlotReleased()
	c.announcer.Announce()
	return nil
}

func (c *Core) claimSlot(client *connection.Client, callsign string) (*slot.ProxySlot, error) {
	c.usableMu.RLock()
	defer c.usableMu.RUnlock()

	for i := 0; i < c.usable; i++ {
		s := c.slots[i]
		if err := s.Accept(client, callsign); err == nil {
			return s, nil
		} else if !apperrors.Busy(err) {
			return nil, err
		}
	}

	c.log.Error("state error: no available slots for authorized client %q", callsign)
	return nil, apperrors.New(apperrors.KindBusy, "no available slots")
}

// snapshot reports current occupancy for the registration collaborator.
func (c *Core) snapshot() registration.Report {
	c.usableMu.RLock()
	total := c.usable
	c.usableMu.RUnlock()
	return registration.Report{
		SlotsUsed:  int(c.metrics.GetSlotsUsed()),
		SlotsTotal: total,
	}
}

// Shutdown drives usable_clients to zero under the write lock and
// closes the listener, unblocking any pending Accept. Safe to call
// more than once.
func (c *Core) Shutdown() {
	c.usableMu.Lock()
	c.usable = 0
	c.usableMu.Unlock()

	c.announcer.Announce()
	c.ln.Close()
}

// Drop asynchronously terminates every active slot session. Called
// during close; must not deadlock against a slot's process() loop,
// which slot.Drop guarantees by forcing its socket's read deadline.
func (c *Core) Drop() {
	for _, s := range c.slots {
		s.Drop()
	}
}

// Close performs shutdown + drop, then joins every worker, releases
// every slot's sockets, and stops the registration collaborator. Safe
// to call more than once.
func (c *Core) Close() error {
	c.Shutdown()
	c.Drop()

	for _, w := range c.workers {
		w.Stop()
	}
	c.announcer.Stop()

	var firstErr error
	for _, s := range c.slots {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Run drives the full start -> accept -> close lifecycle and returns
// once AcceptLoop exits, either because ctx was cancelled or the
// listener failed.
func (c *Core) Run(ctx context.Context) error {
	c.Start(ctx)
	err := c.AcceptLoop(ctx)
	if closeErr := c.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

// UsableClients returns the current usable-client count, guarded by
// the same read lock the admission loop uses. Exposed for tests and
// diagnostics.
func (c *Core) UsableClients() int {
	c.usableMu.RLock()
	defer c.usableMu.RUnlock()
	return c.usable
}

// Metrics exposes the core's metrics collector for HTTP/Prometheus
// wiring in cmd/elproxyd.
func (c *Core) Metrics() *metrics.Collector {
	return c.metrics
}

// Addr returns the listener's bound address, mainly useful in tests
// that bind to port 0.
func (c *Core) Addr() net.Addr {
	return c.ln.Addr()
}

// ServeMetrics runs a /healthz, /status, /metrics and /metrics/refresh
// HTTP endpoint on listen until ctx is cancelled, grounded on the karoo
// proxy's HttpServe. The prometheus collectors are registered on first
// call and synced with c.metrics via pc.UpdateFromCollector at start,
// every 5 seconds, and on each request to /metrics/refresh; a /metrics
// scrape itself does not trigger a sync.
func (c *Core) ServeMetrics(ctx context.Context, listen string) error {
	if listen == "" {
		return nil
	}

	pc := metrics.InitPrometheus("elproxy")

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(c.metrics.Snapshot())
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/metrics/refresh", func(w http.ResponseWriter, r *http.Request) {
		pc.UpdateFromCollector(c.metrics)
		w.WriteHeader(http.StatusNoContent)
	})

	srv := &http.Server{Addr: listen, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	pc.UpdateFromCollector(c.metrics)
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pc.UpdateFromCollector(c.metrics)
			}
		}
	}()

	c.log.Info("metrics: listening on %s", listen)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
