package jaxmpp

import (
	"crypto/x509"
	"sync"
	"time"

	"github.com/jackal-xmpp/stravaganza/v2"
)

// streamScope holds what is valid only for the current stream. It is
// replaced as a whole whenever the stream is restarted on a new pipeline.
type streamScope struct {
	streamID         string
	features         stravaganza.Element
	secure           bool
	compressed       bool
	channelBinding   []byte
	peerCert         *x509.Certificate
	keepaliveStopped bool
	boshSID          string
	props            map[string]interface{}
}

// Context is the session context shared by a connector and the code
// driving it. Session scoped values survive reconnects, stream scoped
// values are cleared by ClearStreamScope.
type Context struct {
	mu sync.RWMutex

	domain     string
	userJID    string
	serverHost string
	serverPort int
	serviceURL string
	props      map[string]interface{}

	stateChangedAt time.Time
	stream         streamScope
}

func NewContext(domain string) *Context {
	return &Context{domain: domain, props: map[string]interface{}{}}
}

// Domain is the domain part of the user JID, or the configured domain when
// no valid JID is set.
func (c *Context) Domain() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var jid JID
	if c.userJID != "" && ParseJID(c.userJID, &jid) == nil {
		return jid.Domain
	}
	return c.domain
}

func (c *Context) SetDomain(domain string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.domain = domain
}

func (c *Context) UserJID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userJID
}

func (c *Context) SetUserJID(jid string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userJID = jid
}

// ServerHost is the pinned host. When set, connectors skip resolution.
func (c *Context) ServerHost() (string, int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverHost, c.serverPort
}

func (c *Context) SetServerHost(host string, port int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.serverHost = host
	c.serverPort = port
}

func (c *Context) ServiceURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serviceURL
}

func (c *Context) SetServiceURL(u string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.serviceURL = u
}

func (c *Context) Property(key string) interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.props[key]
}

func (c *Context) SetProperty(key string, v interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.props == nil {
		c.props = map[string]interface{}{}
	}
	c.props[key] = v
}

func (c *Context) StateChangedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stateChangedAt
}

func (c *Context) setStateChangedAt(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateChangedAt = t
}

// ClearStreamScope drops every stream scoped value in one step.
func (c *Context) ClearStreamScope() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stream = streamScope{}
}

func (c *Context) StreamID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stream.streamID
}

func (c *Context) setStreamID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stream.streamID = id
}

// StreamFeatures returns the last <stream:features/> of the current stream.
func (c *Context) StreamFeatures() stravaganza.Element {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stream.features
}

func (c *Context) setStreamFeatures(f stravaganza.Element) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stream.features = f
}

func (c *Context) IsSecure() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stream.secure
}

func (c *Context) IsCompressed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stream.compressed
}

// ChannelBinding returns the TLS channel binding data of the stream.
func (c *Context) ChannelBinding() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stream.channelBinding
}

func (c *Context) PeerCertificate() *x509.Certificate {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stream.peerCert
}

// setTransportFlags writes the pipeline derived values into the fresh
// stream scope after a replacement.
func (c *Context) setTransportFlags(secure, compressed bool, binding []byte, cert *x509.Certificate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stream.secure = secure
	c.stream.compressed = compressed
	c.stream.channelBinding = binding
	c.stream.peerCert = cert
}

func (c *Context) keepaliveSuspended() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stream.keepaliveStopped
}

func (c *Context) setKeepaliveSuspended(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stream.keepaliveStopped = v
}

func (c *Context) BoshSID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stream.boshSID
}

func (c *Context) setBoshSID(sid string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stream.boshSID = sid
}

func (c *Context) StreamProperty(key string) interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stream.props[key]
}

func (c *Context) SetStreamProperty(key string, v interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream.props == nil {
		c.stream.props = map[string]interface{}{}
	}
	c.stream.props[key] = v
}
