package jaxmpp

import (
	"sync"

	"github.com/jackal-xmpp/stravaganza/v2"
)

type Upgrade int

const (
	UpgradeTLS Upgrade = iota
	UpgradeCompression
)

func (u Upgrade) String() string {
	if u == UpgradeTLS {
		return "starttls"
	}
	return "compression"
}

type Phase int

const (
	PhaseNone Phase = iota
	PhaseRequested
	PhaseActive
	PhaseFailed
)

func (p Phase) String() string {
	return [...]string{"none", "requested", "active", "failed"}[p]
}

// negotiation tracks the in-band upgrades of one connection. At most one
// upgrade is requested at a time and an active upgrade is never redone.
type negotiation struct {
	mu     sync.Mutex
	phases [2]Phase
}

func (n *negotiation) phase(u Upgrade) Phase {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.phases[u]
}

func (n *negotiation) inFlight() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.phases[UpgradeTLS] == PhaseRequested || n.phases[UpgradeCompression] == PhaseRequested
}

// request marks u requested. It fails when another upgrade is pending or
// u is already active.
func (n *negotiation) request(u Upgrade) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, p := range n.phases {
		if p == PhaseRequested {
			return ErrNegotiationInProgress
		}
	}
	if n.phases[u] == PhaseActive {
		if u == UpgradeTLS {
			return ErrTLSUnavailable
		}
		return ErrCompressionUnavailable
	}
	n.phases[u] = PhaseRequested
	return nil
}

// settle moves a requested upgrade to active or failed. It reports false
// when u was not requested, in which case the answer is unsolicited.
func (n *negotiation) settle(u Upgrade, ok bool) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.phases[u] != PhaseRequested {
		return false
	}
	if ok {
		n.phases[u] = PhaseActive
	} else {
		n.phases[u] = PhaseFailed
	}
	return true
}

func (n *negotiation) reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.phases = [2]Phase{}
}

// negotiationAnswer classifies a server answer to an upgrade request.
func negotiationAnswer(elem stravaganza.Element) (Upgrade, bool, bool) {
	switch elem.Attribute(stravaganza.Namespace) {
	case NSTLS:
		switch elem.Name() {
		case "proceed":
			return UpgradeTLS, true, true
		case "failure":
			return UpgradeTLS, false, true
		}
	case NSCompress:
		switch elem.Name() {
		case "compressed":
			return UpgradeCompression, true, true
		case "failure":
			return UpgradeCompression, false, true
		}
	}
	return 0, false, false
}
