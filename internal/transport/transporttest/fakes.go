// Package transporttest provides in-memory fakes for driving a
// transport.Manager deterministically: a manual clock, a dialer and
// connections the test plays the server side of.
package transporttest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tjfontaine/contentgen-gateway/internal/protocol"
	"github.com/tjfontaine/contentgen-gateway/internal/transport"
)

// Clock is a manual transport.Clock. Timers fire only from Advance.
type Clock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*timer
}

type timer struct {
	clock *Clock
	when  time.Time
	f     func()
	done  bool
}

func (t *timer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}

// NewClock returns a Clock stopped at a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) AfterFunc(d time.Duration, f func()) transport.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &timer{clock: c, when: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward and runs every timer that came due, in due
// order, on the calling goroutine.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*timer
	kept := c.timers[:0]
	for _, t := range c.timers {
		switch {
		case t.done:
		case !t.when.After(c.now):
			t.done = true
			due = append(due, t)
		default:
			kept = append(kept, t)
		}
	}
	c.timers = kept
	c.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].when.Before(due[j].when) })
	for _, t := range due {
		t.f()
	}
}

// Pending returns how far in the future each live timer is, soonest first.
func (c *Clock) Pending() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []time.Duration
	for _, t := range c.timers {
		if !t.done {
			out = append(out, t.when.Sub(c.now))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Conn is one fake connection. Deliver plays the server; Next reads what
// the client wrote.
type Conn struct {
	in      chan protocol.Envelope
	written chan protocol.Envelope
	closed  chan struct{}
	once    sync.Once

	mu  sync.Mutex
	log []protocol.Envelope
}

// NewConn returns an open Conn.
func NewConn() *Conn {
	return &Conn{
		in:      make(chan protocol.Envelope),
		written: make(chan protocol.Envelope, 256),
		closed:  make(chan struct{}),
	}
}

func (c *Conn) Read() (protocol.Envelope, error) {
	select {
	case env := <-c.in:
		return env, nil
	case <-c.closed:
		return protocol.Envelope{}, transport.ErrConnClosed
	}
}

func (c *Conn) Write(env protocol.Envelope) error {
	select {
	case <-c.closed:
		return transport.ErrConnClosed
	default:
	}
	c.mu.Lock()
	c.log = append(c.log, env)
	c.mu.Unlock()
	select {
	case c.written <- env:
	default:
	}
	return nil
}

func (c *Conn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// Closed reports whether either side closed the connection.
func (c *Conn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Deliver hands env to the client's reader. It fails once the connection
// is closed.
func (c *Conn) Deliver(env protocol.Envelope) error {
	select {
	case c.in <- env:
		return nil
	case <-c.closed:
		return transport.ErrConnClosed
	case <-time.After(5 * time.Second):
		return fmt.Errorf("deliver %s: reader not draining", env.Type)
	}
}

// Next waits for the next envelope the client writes.
func (c *Conn) Next(timeout time.Duration) (protocol.Envelope, error) {
	select {
	case env := <-c.written:
		return env, nil
	case <-time.After(timeout):
		return protocol.Envelope{}, fmt.Errorf("no envelope written within %v", timeout)
	}
}

// Written returns everything the client has written so far.
func (c *Conn) Written() []protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Envelope(nil), c.log...)
}

// Dialer hands out fresh Conns.
type Dialer struct {
	mu       sync.Mutex
	err      error
	blocking bool
	dials    int
	conns    chan *Conn
}

// NewDialer returns a Dialer whose dials succeed.
func NewDialer() *Dialer {
	return &Dialer{conns: make(chan *Conn, 64)}
}

// Fail makes subsequent dials return err. Nil restores success.
func (d *Dialer) Fail(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

// Block makes subsequent dials hang until their context ends.
func (d *Dialer) Block(block bool) {
	d.mu.Lock()
	d.blocking = block
	d.mu.Unlock()
}

func (d *Dialer) Dial(ctx context.Context) (transport.Conn, error) {
	d.mu.Lock()
	d.dials++
	err, blocking := d.err, d.blocking
	d.mu.Unlock()

	if blocking {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	c := NewConn()
	d.conns <- c
	return c, nil
}

// Dials reports how many dials have been attempted.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// NextConn waits for the next successfully dialed connection.
func (d *Dialer) NextConn(timeout time.Duration) (*Conn, error) {
	select {
	case c := <-d.conns:
		return c, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("no connection dialed within %v", timeout)
	}
}
