package jaxmpp

import (
	"sync"

	"github.com/jackal-xmpp/stravaganza/v2"
)

// Event is anything a connector reports to the rest of the client.
type Event interface {
	Name() string
}

type EventHandler func(Event)

// EventBus receives connector events. Fire must not block for long; it is
// called from connector goroutines.
type EventBus interface {
	Fire(Event)
}

type StateChangedEvent struct {
	Old State
	New State
}

type ConnectedEvent struct{}

type EncryptionEstablishedEvent struct{}

type CompressionEstablishedEvent struct{}

type StreamRestartedEvent struct{}

type StanzaReceivedEvent struct {
	Stanza stravaganza.Element
}

type StanzaSendingEvent struct {
	Stanza stravaganza.Element
}

type StreamTerminatedEvent struct{}

type DisconnectedEvent struct{}

type ErrorEvent struct {
	Condition StreamErrorCondition
	Err       error
}

// SeeOtherHostEvent asks subscribers to relocate the session. A handler
// taking over the relocation sets Handled.
type SeeOtherHostEvent struct {
	Target  string
	Handled bool
}

type HostChangedEvent struct {
	Host string
}

type NegotiationFailedEvent struct {
	Upgrade Upgrade
	Element stravaganza.Element
}

type ParseErrorEvent struct {
	Err *ParseError
}

func (*StateChangedEvent) Name() string { return "state-changed" }
func (*ConnectedEvent) Name() string { return "connected" }
func (*EncryptionEstablishedEvent) Name() string { return "encryption-established" }
func (*CompressionEstablishedEvent) Name() string { return "compression-established" }
func (*StreamRestartedEvent) Name() string { return "stream-restarted" }
func (*StanzaReceivedEvent) Name() string { return "stanza-received" }
func (*StanzaSendingEvent) Name() string { return "stanza-sending" }
func (*StreamTerminatedEvent) Name() string { return "stream-terminated" }
func (*DisconnectedEvent) Name() string { return "disconnected" }
func (*ErrorEvent) Name() string { return "error" }
func (*SeeOtherHostEvent) Name() string { return "see-other-host" }
func (*HostChangedEvent) Name() string { return "host-changed" }
func (*NegotiationFailedEvent) Name() string { return "negotiation-failed" }
func (*ParseErrorEvent) Name() string { return "parse-error" }

// Dispatcher fans events out to handlers in registration order on the
// calling goroutine.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers []EventHandler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

func (d *Dispatcher) Subscribe(h EventHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, h)
}

func (d *Dispatcher) Fire(e Event) {
	d.mu.RLock()
	handlers := make([]EventHandler, len(d.handlers))
	copy(handlers, d.handlers)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(e)
	}
}
