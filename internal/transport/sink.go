package transport

import "github.com/tjfontaine/contentgen-gateway/internal/protocol"

// RequestContext is what a GENERATE carries besides the prompt.
type RequestContext struct {
	Language     string
	ContentPath  string
	Instructions string
	Fields       map[string]protocol.Field
}

// ContextProvider supplies the editing context at send time.
type ContextProvider interface {
	RequestContext() RequestContext
}

// StaticContext is a fixed ContextProvider.
type StaticContext RequestContext

func (s StaticContext) RequestContext() RequestContext { return RequestContext(s) }

// Sink is the UI side. Methods are called from the manager's loop and
// must not call back into the Manager.
type Sink interface {
	StateChanged(s Snapshot)
	ChatUpdated(m ChatMessage)
	LicenseUpdated(l protocol.LicensePayload)
}

// SinkFuncs is a Sink built from optional funcs.
type SinkFuncs struct {
	OnState   func(Snapshot)
	OnChat    func(ChatMessage)
	OnLicense func(protocol.LicensePayload)
}

func (s SinkFuncs) StateChanged(snap Snapshot) {
	if s.OnState != nil {
		s.OnState(snap)
	}
}

func (s SinkFuncs) ChatUpdated(m ChatMessage) {
	if s.OnChat != nil {
		s.OnChat(m)
	}
}

func (s SinkFuncs) LicenseUpdated(l protocol.LicensePayload) {
	if s.OnLicense != nil {
		s.OnLicense(l)
	}
}

// Notification is delivered to Subscribe listeners: either an inbound
// server envelope or a state change.
type Notification struct {
	Envelope *protocol.Envelope
	Snapshot Snapshot
}

// Listener receives notifications on the manager's loop. It must not
// block or call back into the Manager.
type Listener func(Notification)
