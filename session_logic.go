package jaxmpp

import (
	"github.com/jackal-xmpp/stravaganza/v2"
)

// SessionLogic decides which in-band upgrades to start for a transport
// when the server advertises its stream features.
type SessionLogic interface {
	// HandleFeatures reports whether a negotiation was started; the caller
	// waits for the restarted stream before going on with the session.
	HandleFeatures(features stravaganza.Element) (bool, error)
}

type socketSessionLogic struct {
	c *SocketConnector
}

// HandleFeatures starts TLS first and compression only on a secured or
// TLS-less stream.
func (l *socketSessionLogic) HandleFeatures(features stravaganza.Element) (bool, error) {
	conf := l.c.conf
	if !conf.TLSDisabled && !l.c.IsSecure() && featureTLS(features) {
		return true, l.c.RequestTLS()
	}
	if !conf.CompressionDisabled && !l.c.IsCompressed() && featureZlib(features) {
		return true, l.c.RequestCompression()
	}
	return false, nil
}

// passiveSessionLogic is used by transports whose security and
// compression come from the underlying HTTP or WebSocket connection.
type passiveSessionLogic struct{}

func (passiveSessionLogic) HandleFeatures(stravaganza.Element) (bool, error) {
	return false, nil
}
