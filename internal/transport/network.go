package transport

import "sync"

// NetworkMonitor reports connectivity changes.
type NetworkMonitor interface {
	Online() bool
	// Subscribe registers fn for online/offline transitions and returns a
	// function that removes it.
	Subscribe(fn func(online bool)) (unsubscribe func())
}

// ManualNetwork is a NetworkMonitor driven by Set. The zero value is
// offline; use NewManualNetwork(true) to start online.
type ManualNetwork struct {
	mu     sync.Mutex
	online bool
	next   int
	subs   map[int]func(bool)
}

// NewManualNetwork returns a ManualNetwork in the given state.
func NewManualNetwork(online bool) *ManualNetwork {
	return &ManualNetwork{online: online}
}

// Online implements NetworkMonitor.
func (n *ManualNetwork) Online() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.online
}

// Subscribe implements NetworkMonitor.
func (n *ManualNetwork) Subscribe(fn func(bool)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.subs == nil {
		n.subs = make(map[int]func(bool))
	}
	id := n.next
	n.next++
	n.subs[id] = fn
	return func() {
		n.mu.Lock()
		delete(n.subs, id)
		n.mu.Unlock()
	}
}

// Set changes connectivity and notifies subscribers when it differs.
func (n *ManualNetwork) Set(online bool) {
	n.mu.Lock()
	if n.online == online {
		n.mu.Unlock()
		return
	}
	n.online = online
	subs := make([]func(bool), 0, len(n.subs))
	for _, fn := range n.subs {
		subs = append(subs, fn)
	}
	n.mu.Unlock()

	for _, fn := range subs {
		fn(online)
	}
}

// Subscribers reports how many subscriptions are live.
func (n *ManualNetwork) Subscribers() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs)
}
