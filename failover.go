package jaxmpp

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
)

// FailoverController relocates a session when the server answers with
// see-other-host or see-other-uri. It never retries after plain I/O
// failures.
type FailoverController struct {
	conn     Connector
	resolver Resolver
	bus      EventBus
	logger   Logger
	metrics  *Metrics

	mu      sync.Mutex
	pending string
}

func NewFailoverController(conn Connector, resolver Resolver, bus EventBus, logger Logger) *FailoverController {
	if bus == nil {
		bus = NewDispatcher()
	}
	return &FailoverController{
		conn:     conn,
		resolver: resolver,
		bus:      bus,
		logger:   loggerOrNop(logger),
	}
}

// SetMetrics counts relocations in m.
func (f *FailoverController) SetMetrics(m *Metrics) {
	f.metrics = m
}

// Pending is the target waiting for the current connection to end.
func (f *FailoverController) Pending() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending
}

func (f *FailoverController) Handle(e Event) {
	switch ev := e.(type) {
	case *SeeOtherHostEvent:
		f.redirect(ev)
	case *DisconnectedEvent:
		f.restart()
	}
}

func (f *FailoverController) redirect(ev *SeeOtherHostEvent) {
	if ev.Handled {
		return
	}
	ev.Handled = true

	current := f.pinned()
	if f.sameTarget(current, ev.Target) {
		f.logger.Printf(Warning, "refusing redirect to the current host %s", ev.Target)
		f.bus.Fire(&ErrorEvent{Condition: SeeOtherHost, Err: fmt.Errorf("%w: %s", ErrRedirectToSameHost, ev.Target)})
		return
	}

	f.mu.Lock()
	if f.pending != "" {
		f.mu.Unlock()
		f.logger.Printf(Debug, "redirect to %s ignored, %s pending", ev.Target, f.pending)
		return
	}
	f.pending = ev.Target
	f.mu.Unlock()

	if current != "" && f.resolver != nil {
		f.resolver.HostFailure(current)
	}
	f.logger.Printf(Info, "relocating from %q to %s", current, ev.Target)
}

type hostReporter interface {
	CurrentHost() HostEntry
}

// pinned is the endpoint the connector currently targets.
func (f *FailoverController) pinned() string {
	sess := f.conn.Context()
	if f.conn.Transport() != TransportSocket {
		return sess.ServiceURL()
	}
	if hr, ok := f.conn.(hostReporter); ok {
		if h := hr.CurrentHost(); h.Host != "" {
			return h.String()
		}
	}
	host, port := sess.ServerHost()
	if host == "" {
		return ""
	}
	return HostEntry{Host: host, Port: port}.String()
}

func (f *FailoverController) sameTarget(current, target string) bool {
	if current == "" {
		return false
	}
	if f.conn.Transport() != TransportSocket {
		return current == target
	}
	ch, cp := splitTarget(current)
	th, tp := splitTarget(target)
	return normalizeHost(ch) == normalizeHost(th) && cp == tp
}

func (f *FailoverController) restart() {
	f.mu.Lock()
	target := f.pending
	f.pending = ""
	f.mu.Unlock()
	if target == "" {
		return
	}

	sess := f.conn.Context()
	if f.conn.Transport() == TransportSocket {
		host, port := splitTarget(target)
		sess.SetServerHost(host, port)
	} else {
		sess.SetServiceURL(target)
	}
	f.metrics.reconnect(f.conn.Transport())
	f.bus.Fire(&HostChangedEvent{Host: target})

	go func() {
		err := f.conn.Start(context.Background())
		if err == nil {
			return
		}
		f.logger.Printf(Error, "restart towards %s failed: %v", target, err)
		// a connector reports its own start failures once it is Connecting
		if errors.Is(err, ErrAlreadyStarted) {
			f.bus.Fire(&ErrorEvent{
				Condition: RemoteConnectionFailed,
				Err:       fmt.Errorf("relocating to %s: %w", strconv.Quote(target), err),
			})
		}
	}()
}
