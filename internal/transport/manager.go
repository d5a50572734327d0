// Package transport is the client side of a gateway session. A Manager owns
// one logical connection: it dials, handshakes, keeps the socket alive with
// heartbeats, reconnects with exponential backoff and tracks the single
// generation that may be outstanding at a time.
//
// All state lives on one goroutine. Socket reads, dials, timers and network
// notifications are turned into events and fed to a single transition
// function, so no two handlers ever run at once.
package transport

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/tjfontaine/contentgen-gateway/internal/protocol"
)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

// WithNetwork sets the connectivity source. Without one the manager
// assumes it is always online.
func WithNetwork(n NetworkMonitor) Option {
	return func(m *Manager) {
		m.network = n
	}
}

// WithContextProvider sets where GENERATE context comes from.
func WithContextProvider(p ContextProvider) Option {
	return func(m *Manager) {
		m.contexts = p
	}
}

// WithSink sets the UI callbacks.
func WithSink(s Sink) Option {
	return func(m *Manager) {
		m.sink = s
	}
}

// WithTimings overrides timeouts and backoff.
func WithTimings(t Timings) Option {
	return func(m *Manager) {
		m.timings = t
	}
}

// WithClientID sets the id sent in CONNECT. Defaults to a fresh UUID.
func WithClientID(id string) Option {
	return func(m *Manager) {
		m.clientID = id
	}
}

type armedTimer struct {
	timer Timer
	token uint64
}

// Manager is the client Transport Manager. Methods are safe for concurrent
// use; they hand work to the loop goroutine and wait for it.
type Manager struct {
	dialer   Dialer
	clock    Clock
	network  NetworkMonitor
	contexts ContextProvider
	sink     Sink
	timings  Timings
	clientID string
	logger   *slog.Logger

	events     chan event
	done       chan struct{}
	closed     atomic.Bool
	last       atomic.Pointer[Snapshot]
	nextListen atomic.Int64

	// Loop-owned state below.
	lifecycle  Lifecycle
	state      State
	online     bool
	attempts   int
	buffer     Buffer
	sessionID  string
	conn       Conn
	seq        uint64
	dialCancel context.CancelFunc
	timers     [numTimers]armedTimer
	tokens     uint64
	chat       *ChatLog
	listeners  map[int]Listener
	unwatch    func()
	published  Snapshot
}

// New creates a Manager and starts its loop. The manager is unmounted until
// Mount is called.
func New(dialer Dialer, opts ...Option) *Manager {
	m := &Manager{
		dialer:    dialer,
		clock:     RealClock{},
		contexts:  StaticContext{},
		sink:      SinkFuncs{},
		timings:   DefaultTimings(),
		logger:    slog.Default(),
		events:    make(chan event),
		done:      make(chan struct{}),
		lifecycle: LifecycleUnmounted,
		state:     StateDisconnected,
		online:    true,
		chat:      NewChatLog(),
		listeners: make(map[int]Listener),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.clientID == "" {
		m.clientID = uuid.New().String()
	}
	if m.network != nil {
		m.online = m.network.Online()
	}
	m.published = m.snapshot()
	initial := m.published
	m.last.Store(&initial)

	go m.loop()
	return m
}

func (m *Manager) loop() {
	for ev := range m.events {
		if c, ok := ev.(closeEvent); ok {
			m.shutdown()
			m.publish()
			close(m.done)
			close(c.done)
			return
		}
		m.handle(ev)
		m.publish()
	}
}

// post hands ev to the loop. It returns false once the manager is closed.
func (m *Manager) post(ev event) bool {
	if m.closed.Load() {
		return false
	}
	select {
	case m.events <- ev:
		return true
	case <-m.done:
		return false
	}
}

func (m *Manager) call(ev func(chan<- error) event) error {
	reply := make(chan error, 1)
	if !m.post(ev(reply)) {
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-m.done:
		return ErrClosed
	}
}

// Mount opens the connection and returns the matching unmount function.
func (m *Manager) Mount() (unmount func()) {
	m.post(mountEvent{})
	return m.Unmount
}

// Unmount tears the connection down once no generation is outstanding.
func (m *Manager) Unmount() { m.post(unmountEvent{}) }

// Connect dials unless already connecting or connected.
func (m *Manager) Connect() { m.post(connectEvent{}) }

// Disconnect sends DISCONNECT and closes the socket.
func (m *Manager) Disconnect() { m.post(disconnectEvent{}) }

// SendPrompt starts a generation for content.
func (m *Manager) SendPrompt(content string) error {
	return m.call(func(r chan<- error) event { return sendPromptEvent{content: content, reply: r} })
}

// SendRetry re-sends the prompt of a known user message, deactivating
// everything below it first.
func (m *Manager) SendRetry(userMessageID string) error {
	return m.call(func(r chan<- error) event { return sendRetryEvent{userMessageID: userMessageID, reply: r} })
}

// SendStop stops the outstanding generation.
func (m *Manager) SendStop(reason StopReason) error {
	return m.call(func(r chan<- error) event { return sendStopEvent{reason: reason, reply: r} })
}

// SendEnvelope writes env as is. The buffer is not touched.
func (m *Manager) SendEnvelope(env protocol.Envelope) error {
	return m.call(func(r chan<- error) event { return sendEnvelopeEvent{env: env, reply: r} })
}

// Subscribe registers l for inbound envelopes and state changes.
func (m *Manager) Subscribe(l Listener) (unsubscribe func()) {
	id := int(m.nextListen.Add(1))
	m.post(subscribeEvent{id: id, fn: l})
	return func() { m.post(unsubscribeEvent{id: id}) }
}

// Snapshot returns the current connection record. After Close it returns
// the final one.
func (m *Manager) Snapshot() Snapshot {
	reply := make(chan Snapshot, 1)
	if m.post(snapshotRequest{reply: reply}) {
		select {
		case s := <-reply:
			return s
		case <-m.done:
		}
	}
	return *m.last.Load()
}

// Chat returns a copy of the conversation.
func (m *Manager) Chat() []ChatMessage {
	reply := make(chan []ChatMessage, 1)
	if !m.post(chatRequest{reply: reply}) {
		return nil
	}
	select {
	case msgs := <-reply:
		return msgs
	case <-m.done:
		return nil
	}
}

// Close stops the loop immediately, closing any socket. Unlike Unmount it
// does not wait for an outstanding generation.
func (m *Manager) Close() {
	done := make(chan struct{})
	if !m.post(closeEvent{done: done}) {
		return
	}
	m.closed.Store(true)
	<-done
}

// Done is closed once the loop has stopped.
func (m *Manager) Done() <-chan struct{} { return m.done }
