// Package multiplexer shares one gateway connection between several
// client Transport Managers, as a background process shared by browser
// tabs would. Each tab dials a local port instead of the server: inbound
// server envelopes are fanned out to every port and outbound envelopes are
// forwarded to the single shared Manager, so heartbeat and reconnect
// backoff run once no matter how many tabs are open.
package multiplexer

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/tjfontaine/contentgen-gateway/internal/protocol"
	"github.com/tjfontaine/contentgen-gateway/internal/transport"
)

// portBuffer is how many undelivered envelopes a port may hold before it
// is dropped as stalled.
const portBuffer = 64

// ReasonConnectionLost is the DISCONNECTED reason broadcast when the shared
// socket drops.
const ReasonConnectionLost = "connection_lost"

// ErrUnavailable is returned by the Hub's dialer once the shared Manager
// has stopped reconnecting, so tabs run out their own backoff.
var ErrUnavailable = errors.New("shared connection unavailable")

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the logger for the Hub and its shared Manager.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) {
		h.logger = logger
	}
}

// WithManagerOptions configures the shared Manager.
func WithManagerOptions(opts ...transport.Option) Option {
	return func(h *Hub) {
		h.managerOpts = append(h.managerOpts, opts...)
	}
}

// Hub owns the shared Manager and the ports attached to it.
type Hub struct {
	shared      *transport.Manager
	managerOpts []transport.Option
	logger      *slog.Logger
	unsubscribe func()

	mu        sync.Mutex
	ports     map[string]*port
	connected bool
	givenUp   bool
	sessionID string
	closed    bool
}

// New creates a Hub over dialer and mounts its shared Manager.
func New(dialer transport.Dialer, opts ...Option) *Hub {
	h := &Hub{
		logger: slog.Default(),
		ports:  make(map[string]*port),
	}
	for _, opt := range opts {
		opt(h)
	}
	mopts := append([]transport.Option{transport.WithLogger(h.logger.With("component", "shared_transport"))}, h.managerOpts...)
	h.shared = transport.New(dialer, mopts...)
	h.unsubscribe = h.shared.Subscribe(h.onNotification)
	h.shared.Mount()
	return h
}

// Shared returns the shared Manager.
func (h *Hub) Shared() *transport.Manager { return h.shared }

// Dialer returns a transport.Dialer whose connections are ports on h.
func (h *Hub) Dialer() transport.Dialer {
	return transport.DialerFunc(h.open)
}

// Ports reports how many ports are attached.
func (h *Hub) Ports() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.ports)
}

// Close detaches every port and closes the shared Manager.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	for id, p := range h.ports {
		p.shut()
		delete(h.ports, id)
	}
	h.mu.Unlock()

	h.unsubscribe()
	h.shared.Close()
}

func (h *Hub) open(ctx context.Context) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := newPort(h)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, transport.ErrClosed
	}
	if h.givenUp {
		return nil, ErrUnavailable
	}
	h.ports[p.id] = p
	if h.connected {
		p.deliver(protocol.MustNew(protocol.TypeConnected, protocol.ConnectedPayload{SessionID: h.sessionID}))
	}
	h.logger.Debug("port attached", slog.String("port_id", p.id), slog.Int("ports", len(h.ports)))
	return p, nil
}

func (h *Hub) remove(p *port) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.ports[p.id]; !ok {
		return
	}
	delete(h.ports, p.id)
	h.logger.Debug("port detached", slog.String("port_id", p.id), slog.Int("ports", len(h.ports)))
}

// onNotification runs on the shared Manager's loop and must not block.
func (h *Hub) onNotification(n transport.Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()

	connected := n.Snapshot.State == transport.StateConnected
	givenUp := n.Snapshot.State == transport.StateDisconnected && !n.Snapshot.Reconnecting
	wasConnected, wasGivenUp := h.connected, h.givenUp
	h.connected = connected
	h.givenUp = givenUp
	h.sessionID = n.Snapshot.SessionID

	if n.Envelope != nil {
		// PONG answers the shared heartbeat, not any port's.
		if n.Envelope.Type != protocol.TypePong {
			h.broadcast(*n.Envelope)
		}
		return
	}
	// Ports still waiting for a handshake are told when the shared
	// Manager stops retrying.
	if (wasConnected && !connected) || (givenUp && !wasGivenUp) {
		h.broadcast(protocol.MustNew(protocol.TypeDisconnected, protocol.DisconnectedPayload{
			Reason: ReasonConnectionLost,
		}))
	}
}

// broadcast must be called with h.mu held.
func (h *Hub) broadcast(env protocol.Envelope) {
	for id, p := range h.ports {
		if p.deliver(env) {
			continue
		}
		h.logger.Warn("dropping stalled port",
			slog.String("port_id", id),
			slog.String("type", string(env.Type)),
		)
		p.shut()
		delete(h.ports, id)
	}
}

// port is the local end a tab's Manager dials.
type port struct {
	id     string
	hub    *Hub
	in     chan protocol.Envelope
	closed chan struct{}
	once   sync.Once
}

func newPort(h *Hub) *port {
	return &port{
		id:     uuid.New().String(),
		hub:    h,
		in:     make(chan protocol.Envelope, portBuffer),
		closed: make(chan struct{}),
	}
}

// deliver queues env for the port's reader without blocking. It reports
// false when the port is full.
func (p *port) deliver(env protocol.Envelope) bool {
	select {
	case <-p.closed:
		return true
	default:
	}
	select {
	case p.in <- env:
		return true
	default:
		return false
	}
}

func (p *port) Read() (protocol.Envelope, error) {
	select {
	case <-p.closed:
		return protocol.Envelope{}, transport.ErrConnClosed
	default:
	}
	select {
	case env := <-p.in:
		return env, nil
	case <-p.closed:
		return protocol.Envelope{}, transport.ErrConnClosed
	}
}

// Write answers connection-level envelopes locally and forwards the rest.
func (p *port) Write(env protocol.Envelope) error {
	select {
	case <-p.closed:
		return transport.ErrConnClosed
	default:
	}

	switch env.Type {
	case protocol.TypeConnect:
		// CONNECTED is replayed on open or broadcast once the shared
		// socket handshakes.
		return nil
	case protocol.TypePing:
		if !p.deliver(protocol.MustNew(protocol.TypePong, nil)) {
			p.Close()
			return transport.ErrConnClosed
		}
		return nil
	case protocol.TypeDisconnect:
		p.Close()
		return nil
	}
	return p.hub.shared.SendEnvelope(env)
}

func (p *port) Close() error {
	p.shut()
	p.hub.remove(p)
	return nil
}

func (p *port) shut() {
	p.once.Do(func() { close(p.closed) })
}
