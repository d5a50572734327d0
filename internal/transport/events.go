package transport

import (
	"errors"

	"github.com/tjfontaine/contentgen-gateway/internal/protocol"
)

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("transport manager closed")
	// ErrNotConnected is returned by sends while the socket is not connected.
	ErrNotConnected = errors.New("not connected")
	// ErrBusy is returned by prompt sends while a generation is outstanding.
	ErrBusy = errors.New("a generation is already in progress")
	// ErrUnknownMessage is returned by SendRetry for an id not in the chat log.
	ErrUnknownMessage = errors.New("unknown user message")
	// ErrNothingToStop is returned by SendStop when the buffer is empty.
	ErrNothingToStop = errors.New("no generation in progress")
)

// StopReason is recorded on the synthesized "stopped" message.
type StopReason string

const (
	StopByUser    StopReason = "user"
	StopByTimeout StopReason = "timeout"
)

type timerKind int

const (
	timerConnect timerKind = iota
	timerHeartbeat
	timerPong
	timerReconnect
	timerStage
	numTimers
)

func (k timerKind) String() string {
	switch k {
	case timerConnect:
		return "connect"
	case timerHeartbeat:
		return "heartbeat"
	case timerPong:
		return "pong"
	case timerReconnect:
		return "reconnect"
	case timerStage:
		return "stage"
	}
	return "unknown"
}

// event is anything the loop's transition function consumes.
type event interface{ isEvent() }

type (
	mountEvent      struct{}
	unmountEvent    struct{}
	connectEvent    struct{}
	disconnectEvent struct{}

	sendPromptEvent struct {
		content string
		reply   chan<- error
	}
	sendRetryEvent struct {
		userMessageID string
		reply         chan<- error
	}
	sendStopEvent struct {
		reason StopReason
		reply  chan<- error
	}
	sendEnvelopeEvent struct {
		env   protocol.Envelope
		reply chan<- error
	}
	subscribeEvent struct {
		id int
		fn Listener
	}
	unsubscribeEvent struct{ id int }

	snapshotRequest struct{ reply chan<- Snapshot }
	chatRequest     struct{ reply chan<- []ChatMessage }

	socketOpened struct {
		seq  uint64
		conn Conn
	}
	socketMessage struct {
		seq uint64
		env protocol.Envelope
	}
	// socketClosed covers both a failed dial and a dropped connection.
	socketClosed struct {
		seq uint64
		err error
	}

	timerFired struct {
		kind  timerKind
		token uint64
	}
	networkChanged struct{ online bool }
	closeEvent     struct{ done chan<- struct{} }
)

func (mountEvent) isEvent()        {}
func (unmountEvent) isEvent()      {}
func (connectEvent) isEvent()      {}
func (disconnectEvent) isEvent()   {}
func (sendPromptEvent) isEvent()   {}
func (sendRetryEvent) isEvent()    {}
func (sendStopEvent) isEvent()     {}
func (sendEnvelopeEvent) isEvent() {}
func (subscribeEvent) isEvent()    {}
func (unsubscribeEvent) isEvent()  {}
func (snapshotRequest) isEvent()   {}
func (chatRequest) isEvent()       {}
func (socketOpened) isEvent()      {}
func (socketMessage) isEvent()     {}
func (socketClosed) isEvent()      {}
func (timerFired) isEvent()        {}
func (networkChanged) isEvent()    {}
func (closeEvent) isEvent()        {}
