package multiplexer_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/tjfontaine/contentgen-gateway/internal/multiplexer"
	"github.com/tjfontaine/contentgen-gateway/internal/protocol"
	"github.com/tjfontaine/contentgen-gateway/internal/transport"
	"github.com/tjfontaine/contentgen-gateway/internal/transport/transporttest"
)

const wait = 2 * time.Second

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type fixture struct {
	hub    *multiplexer.Hub
	dialer *transporttest.Dialer
	clock  *transporttest.Clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{dialer: transporttest.NewDialer(), clock: transporttest.NewClock()}
	f.hub = multiplexer.New(f.dialer,
		multiplexer.WithLogger(quiet),
		multiplexer.WithManagerOptions(transport.WithClock(f.clock), transport.WithClientID("shared")),
	)
	t.Cleanup(f.hub.Close)
	return f
}

// connectShared completes the shared Manager's handshake and returns the
// server end of its socket.
func (f *fixture) connectShared(t *testing.T) *transporttest.Conn {
	t.Helper()
	server, err := f.dialer.NextConn(wait)
	if err != nil {
		t.Fatal(err)
	}
	if env, err := server.Next(wait); err != nil || env.Type != protocol.TypeConnect {
		t.Fatalf("shared manager wrote %v, %v; want CONNECT", env.Type, err)
	}
	if err := server.Deliver(protocol.MustNew(protocol.TypeConnected, protocol.ConnectedPayload{SessionID: "s-1"})); err != nil {
		t.Fatal(err)
	}
	waitState(t, f.hub.Shared(), transport.StateConnected)
	return server
}

func (f *fixture) tab(t *testing.T, id string) (*transport.Manager, chan transport.ChatMessage) {
	t.Helper()
	return f.tabWithClock(t, id, transporttest.NewClock())
}

func (f *fixture) tabWithClock(t *testing.T, id string, clock *transporttest.Clock) (*transport.Manager, chan transport.ChatMessage) {
	t.Helper()
	chat := make(chan transport.ChatMessage, 32)
	m := transport.New(f.hub.Dialer(),
		transport.WithLogger(quiet),
		transport.WithClock(clock),
		transport.WithClientID(id),
		transport.WithSink(transport.SinkFuncs{OnChat: func(c transport.ChatMessage) { chat <- c }}),
	)
	t.Cleanup(m.Close)
	m.Mount()
	return m, chat
}

func waitState(t *testing.T, m *transport.Manager, want transport.State) transport.Snapshot {
	t.Helper()
	deadline := time.Now().Add(wait)
	for {
		s := m.Snapshot()
		if s.State == want {
			return s
		}
		if time.Now().After(deadline) {
			t.Fatalf("state = %s, want %s", s.State, want)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func read(t *testing.T, c transport.Conn) protocol.Envelope {
	t.Helper()
	type result struct {
		env protocol.Envelope
		err error
	}
	ch := make(chan result, 1)
	go func() {
		env, err := c.Read()
		ch <- result{env, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			t.Fatalf("read: %v", r.err)
		}
		return r.env
	case <-time.After(wait):
		t.Fatal("nothing delivered to port")
		return protocol.Envelope{}
	}
}

func nextOfType(t *testing.T, server *transporttest.Conn, want protocol.Type) protocol.Envelope {
	t.Helper()
	for {
		env, err := server.Next(wait)
		if err != nil {
			t.Fatalf("waiting for %s: %v", want, err)
		}
		if env.Type == want {
			return env
		}
	}
}

func TestHub_ReplaysConnectedToNewPorts(t *testing.T) {
	f := newFixture(t)
	f.connectShared(t)

	m, _ := f.tab(t, "tab-1")
	s := waitState(t, m, transport.StateConnected)
	if s.SessionID != "s-1" {
		t.Errorf("tab session id = %q, want s-1", s.SessionID)
	}
	if f.hub.Ports() != 1 {
		t.Errorf("ports = %d, want 1", f.hub.Ports())
	}
	if n := f.dialer.Dials(); n != 1 {
		t.Errorf("server dials = %d, want 1", n)
	}
}

func TestHub_PortsWaitForSharedHandshake(t *testing.T) {
	f := newFixture(t)
	m, _ := f.tab(t, "tab-1")
	if s := m.Snapshot(); s.State == transport.StateConnected {
		t.Fatal("tab connected before the shared socket")
	}
	f.connectShared(t)
	waitState(t, m, transport.StateConnected)
}

func TestHub_ResponsesReachOnlyTheRequestingTab(t *testing.T) {
	f := newFixture(t)
	server := f.connectShared(t)
	tab1, chat1 := f.tab(t, "tab-1")
	tab2, chat2 := f.tab(t, "tab-2")
	waitState(t, tab1, transport.StateConnected)
	waitState(t, tab2, transport.StateConnected)

	if err := tab1.SendPrompt("shorter please"); err != nil {
		t.Fatalf("SendPrompt: %v", err)
	}
	<-chat1
	gen := nextOfType(t, server, protocol.TypeGenerate)
	if gen.Metadata.ClientID != "tab-1" {
		t.Errorf("forwarded GENERATE client id = %q, want tab-1", gen.Metadata.ClientID)
	}

	done := protocol.MustNew(protocol.TypeGenerated, protocol.GeneratedPayload{
		Request: protocol.RequestRef{GenerationID: gen.Metadata.ID},
		Result:  map[string]protocol.Content{"title": protocol.Text("Short")},
	})
	if err := server.Deliver(done); err != nil {
		t.Fatal(err)
	}
	select {
	case msg := <-chat1:
		if msg.Kind != transport.KindResult {
			t.Errorf("tab-1 update = %+v", msg)
		}
	case <-time.After(wait):
		t.Fatal("tab-1 never saw its result")
	}

	// tab-2 received the broadcast but holds nothing to match it.
	if s := tab2.Snapshot(); s.Busy {
		t.Errorf("tab-2 buffer = %+v", s.Buffer)
	}
	select {
	case msg := <-chat2:
		t.Errorf("tab-2 got chat update %+v", msg)
	default:
	}
}

func TestHub_AnswersConnectionEnvelopesLocally(t *testing.T) {
	f := newFixture(t)
	server := f.connectShared(t)

	port, err := f.hub.Dialer().Dial(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if env := read(t, port); env.Type != protocol.TypeConnected {
		t.Fatalf("first envelope = %s, want replayed CONNECTED", env.Type)
	}

	if err := port.Write(protocol.MustNew(protocol.TypeConnect, protocol.ConnectPayload{ClientID: "raw"})); err != nil {
		t.Fatal(err)
	}
	if err := port.Write(protocol.MustNew(protocol.TypePing, nil)); err != nil {
		t.Fatal(err)
	}
	if env := read(t, port); env.Type != protocol.TypePong {
		t.Fatalf("PING answered with %s", env.Type)
	}

	stop := protocol.MustNew(protocol.TypeStop, protocol.StopPayload{GenerationID: "g-1"})
	if err := port.Write(stop); err != nil {
		t.Fatal(err)
	}
	if got := nextOfType(t, server, protocol.TypeStop); got.Metadata.ID != stop.Metadata.ID {
		t.Errorf("forwarded STOP id = %q", got.Metadata.ID)
	}
	for _, env := range server.Written() {
		if env.Type == protocol.TypePing || (env.Type == protocol.TypeConnect && env.Metadata.ClientID != "shared") {
			t.Errorf("port %s reached the server", env.Type)
		}
	}

	if err := port.Write(protocol.MustNew(protocol.TypeDisconnect, nil)); err != nil {
		t.Fatal(err)
	}
	if f.hub.Ports() != 0 {
		t.Errorf("ports = %d after DISCONNECT", f.hub.Ports())
	}
	if _, err := port.Read(); !errors.Is(err, transport.ErrConnClosed) {
		t.Errorf("read after DISCONNECT err = %v", err)
	}
	if s := f.hub.Shared().Snapshot(); s.State != transport.StateConnected {
		t.Errorf("a port DISCONNECT dropped the shared socket: %s", s.State)
	}
}

func TestHub_BroadcastsDisconnectedWhenSharedDrops(t *testing.T) {
	f := newFixture(t)
	server := f.connectShared(t)

	ports := make([]transport.Conn, 2)
	for i := range ports {
		p, err := f.hub.Dialer().Dial(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		read(t, p) // replayed CONNECTED
		ports[i] = p
	}

	server.Close()
	for i, p := range ports {
		env := read(t, p)
		if env.Type != protocol.TypeDisconnected {
			t.Fatalf("port %d got %s, want DISCONNECTED", i, env.Type)
		}
		payload, err := protocol.Decode[protocol.DisconnectedPayload](env)
		if err != nil || payload.Reason != multiplexer.ReasonConnectionLost {
			t.Errorf("port %d payload = %+v, %v", i, payload, err)
		}
	}

	if err := ports[0].Write(protocol.MustNew(protocol.TypeStop, protocol.StopPayload{GenerationID: "g"})); !errors.Is(err, transport.ErrNotConnected) {
		t.Errorf("forward while shared is down err = %v, want ErrNotConnected", err)
	}
}

func TestHub_SharedBackoffServesEveryTab(t *testing.T) {
	f := newFixture(t)
	server := f.connectShared(t)
	tab1, _ := f.tab(t, "tab-1")
	tab2, _ := f.tab(t, "tab-2")
	waitState(t, tab1, transport.StateConnected)
	waitState(t, tab2, transport.StateConnected)

	server.Close()
	waitState(t, tab1, transport.StateDisconnected)
	waitState(t, tab2, transport.StateDisconnected)

	// Only the shared manager redials the server.
	deadline := time.Now().Add(wait)
	for !f.hub.Shared().Snapshot().Reconnecting {
		if time.Now().After(deadline) {
			t.Fatal("shared manager never scheduled a reconnect")
		}
		time.Sleep(2 * time.Millisecond)
	}
	f.clock.Advance(time.Second)
	f.connectShared(t)
	if n := f.dialer.Dials(); n != 2 {
		t.Errorf("server dials = %d, want 2", n)
	}
}

// runOutBackoff fires m's reconnect timer until m stops retrying.
func runOutBackoff(t *testing.T, m *transport.Manager, clock *transporttest.Clock) transport.Snapshot {
	t.Helper()
	deadline := time.Now().Add(wait)
	for {
		s := m.Snapshot()
		if s.State == transport.StateDisconnected && !s.Reconnecting {
			return s
		}
		if time.Now().After(deadline) {
			t.Fatalf("still retrying: %+v", s)
		}
		switch {
		case s.Reconnecting:
			clock.Advance(30 * time.Second)
		case s.State == transport.StateConnecting:
			// A dial that opened but never handshook.
			clock.Advance(time.Minute)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestHub_TabsGiveUpAfterSharedGivesUp(t *testing.T) {
	f := newFixture(t)
	server := f.connectShared(t)
	clocks := []*transporttest.Clock{transporttest.NewClock(), transporttest.NewClock()}
	tabs := make([]*transport.Manager, len(clocks))
	for i, clock := range clocks {
		tabs[i], _ = f.tabWithClock(t, fmt.Sprintf("tab-%d", i+1), clock)
		waitState(t, tabs[i], transport.StateConnected)
	}

	f.dialer.Fail(errors.New("connection refused"))
	server.Close()
	for _, m := range tabs {
		waitState(t, m, transport.StateDisconnected)
	}

	if s := runOutBackoff(t, f.hub.Shared(), f.clock); s.ReconnectAttempts != 5 {
		t.Errorf("shared attempts = %d, want 5", s.ReconnectAttempts)
	}
	if _, err := f.hub.Dialer().Dial(context.Background()); !errors.Is(err, multiplexer.ErrUnavailable) {
		t.Fatalf("dial after shared gave up err = %v, want ErrUnavailable", err)
	}

	for i, m := range tabs {
		s := runOutBackoff(t, m, clocks[i])
		if s.ReconnectAttempts != 5 {
			t.Errorf("tab %d attempts = %d, want 5", i, s.ReconnectAttempts)
		}
	}
	if f.hub.Ports() != 0 {
		t.Errorf("ports = %d after every tab gave up", f.hub.Ports())
	}

	// A manual reconnect of the shared socket lets tabs attach again.
	f.dialer.Fail(nil)
	f.hub.Shared().Connect()
	f.connectShared(t)
	tabs[0].Connect()
	waitState(t, tabs[0], transport.StateConnected)
}

func TestHub_PendingPortsToldWhenSharedGivesUp(t *testing.T) {
	f := newFixture(t)
	f.dialer.Fail(errors.New("connection refused"))

	port, err := f.hub.Dialer().Dial(context.Background())
	if err != nil {
		t.Fatalf("dial while shared is retrying: %v", err)
	}
	runOutBackoff(t, f.hub.Shared(), f.clock)

	env := read(t, port)
	if env.Type != protocol.TypeDisconnected {
		t.Fatalf("pending port got %s, want DISCONNECTED", env.Type)
	}
}

func TestHub_CloseDetachesPorts(t *testing.T) {
	f := newFixture(t)
	f.connectShared(t)
	port, err := f.hub.Dialer().Dial(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	read(t, port)

	f.hub.Close()
	if _, err := port.Read(); !errors.Is(err, transport.ErrConnClosed) {
		t.Errorf("read after Close err = %v", err)
	}
	if _, err := f.hub.Dialer().Dial(context.Background()); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("dial after Close err = %v", err)
	}
	select {
	case <-f.hub.Shared().Done():
	case <-time.After(wait):
		t.Fatal("shared manager still running")
	}
}
