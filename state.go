package jaxmpp

import (
	"sync"
	"time"
)

type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Disconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	}
	return "unknown"
}

var allowedTransitions = map[State][]State{
	Disconnected:  {Connecting},
	Connecting:    {Connected, Disconnecting, Disconnected},
	Connected:     {Disconnecting, Disconnected},
	Disconnecting: {Disconnected},
}

func transitionAllowed(from, to State) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// lifecycle is the state machine shared by every connector. Events are
// fired after the lock is released so handlers may call back into the
// connector.
type lifecycle struct {
	mu        sync.Mutex
	state     State
	transport string

	sess    *Context
	bus     EventBus
	metrics *Metrics
	logger  Logger
}

func newLifecycle(transport string, sess *Context, bus EventBus, metrics *Metrics, logger Logger) *lifecycle {
	if bus == nil {
		bus = NewDispatcher()
	}
	return &lifecycle{
		transport: transport,
		sess:      sess,
		bus:       bus,
		metrics:   metrics,
		logger:    loggerOrNop(logger),
	}
}

func (l *lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *lifecycle) is(states ...State) bool {
	cur := l.State()
	for _, s := range states {
		if cur == s {
			return true
		}
	}
	return false
}

// setState moves to the new state when the edge is allowed and reports
// whether a transition happened.
func (l *lifecycle) setState(to State) bool {
	l.mu.Lock()
	from := l.state
	if from == to {
		l.mu.Unlock()
		return false
	}
	if !transitionAllowed(from, to) {
		l.mu.Unlock()
		l.logger.Printf(Debug, "%s: ignored transition %s -> %s", l.transport, from, to)
		return false
	}
	l.state = to
	l.mu.Unlock()

	if l.sess != nil {
		l.sess.setStateChangedAt(time.Now())
	}
	l.metrics.transition(l.transport, to)
	l.logger.Printf(Debug, "%s: state %s -> %s", l.transport, from, to)
	l.bus.Fire(&StateChangedEvent{Old: from, New: to})
	return true
}

func (l *lifecycle) start() error {
	l.mu.Lock()
	cur := l.state
	l.mu.Unlock()
	if cur != Disconnected {
		return ErrAlreadyStarted
	}
	if !l.setState(Connecting) {
		return ErrAlreadyStarted
	}
	return nil
}

func (l *lifecycle) markConnected() bool {
	if !l.is(Connecting) {
		return false
	}
	if !l.setState(Connected) {
		return false
	}
	l.bus.Fire(&ConnectedEvent{})
	return true
}

func (l *lifecycle) markDisconnecting() bool {
	return l.setState(Disconnecting)
}

func (l *lifecycle) markDisconnected() bool {
	if !l.setState(Disconnected) {
		return false
	}
	l.bus.Fire(&StreamTerminatedEvent{})
	return true
}

func (l *lifecycle) fire(e Event) {
	l.bus.Fire(e)
}

func (l *lifecycle) fireError(cond StreamErrorCondition, err error) {
	l.metrics.recordError(l.transport, cond)
	l.logger.Printf(Error, "%s: %s: %v", l.transport, cond, err)
	l.bus.Fire(&ErrorEvent{Condition: cond, Err: err})
}
