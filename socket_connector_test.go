package jaxmpp

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jackal-xmpp/stravaganza/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tlsFeatures = "<stream:features><starttls xmlns='urn:ietf:params:xml:ns:xmpp-tls'/></stream:features>"

const zlibFeatures = "<stream:features><compression xmlns='http://jabber.org/features/compress'>" +
	"<method>zlib</method></compression></stream:features>"

func newTestSocket(t *testing.T, conf *Config, entries ...HostEntry) (*SocketConnector, *recorder, *StaticResolver) {
	t.Helper()
	bus := &recorder{}
	resolver := NewStaticResolver(entries...)
	c := NewSocketConnector(nil, conf, bus, WithResolver(resolver), WithLogger(NewLogger(nil)))
	t.Cleanup(func() { c.Stop(false) })
	return c, bus, resolver
}

// connectSocket starts c and answers its stream header.
func connectSocket(t *testing.T, srv *fakeServer, c *SocketConnector, answer string) *peer {
	t.Helper()
	require.NoError(t, c.Start(context.Background()))
	p := srv.accept(t)
	p.expect(t, "<stream:stream")
	p.expect(t, ">")
	p.send(t, serverHeader+answer)
	return p
}

func TestSocketConnectorSession(t *testing.T) {
	srv := newFakeServer(t)
	c, bus, _ := newTestSocket(t, testConfig(), srv.entry())

	assert.ErrorIs(t, c.Send(stravaganza.NewBuilder("presence").Build()), ErrNotConnected)

	p := connectSocket(t, srv, c, tlsFeatures+"  \n\t <message from='a@example.org'><body>hi</body></message>")
	bus.waitFor(t, "stanza-received", 2)

	assert.Equal(t, Connected, c.State())
	assert.Equal(t, "s1", c.Context().StreamID())
	assert.NotNil(t, c.Context().StreamFeatures())
	stanzas := bus.stanzas()
	assert.True(t, isStreamFeatures(stanzas[0]))
	assert.Equal(t, "message", stanzas[1].Name())
	assert.Equal(t, srv.entry(), c.CurrentHost())
	assert.ErrorIs(t, c.Start(context.Background()), ErrAlreadyStarted)

	require.NoError(t, c.Send(stravaganza.NewBuilder("presence").Build()))
	p.expect(t, "<presence")
	assert.Equal(t, 1, bus.count("stanza-sending"))

	require.NoError(t, c.Stop(true))
	p.expect(t, "</stream:stream>")
	p.send(t, "</stream:stream>")
	bus.waitFor(t, "disconnected", 1)

	assert.Equal(t, Disconnected, c.State())
	assert.NoError(t, c.Stop(true))
	assert.NoError(t, c.Send(stravaganza.NewBuilder("presence").Build()))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, bus.count("disconnected"))
	assert.Empty(t, bus.errors())
}

func TestSocketConnectorSkipsDeadCandidate(t *testing.T) {
	dead, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadEntry := HostEntry{Host: "127.0.0.1", Port: dead.Addr().(*net.TCPAddr).Port}
	dead.Close()

	srv := newFakeServer(t)
	c, _, resolver := newTestSocket(t, testConfig(), deadEntry, srv.entry())
	connectSocket(t, srv, c, "")

	assert.Equal(t, srv.entry(), c.CurrentHost())
	entries, err := resolver.Resolve(context.Background(), "example.org")
	require.NoError(t, err)
	assert.Equal(t, []HostEntry{srv.entry(), deadEntry}, entries)
}

func TestSocketConnectorNoReachableHost(t *testing.T) {
	dead, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadEntry := HostEntry{Host: "127.0.0.1", Port: dead.Addr().(*net.TCPAddr).Port}
	dead.Close()

	c, bus, _ := newTestSocket(t, testConfig(), deadEntry)
	err = c.Start(context.Background())
	assert.ErrorIs(t, err, ErrNoReachableHost)
	var causes *multierror.Error
	require.ErrorAs(t, err, &causes)
	assert.Len(t, causes.Errors, 1)
	var opErr *net.OpError
	assert.ErrorAs(t, err, &opErr)
	assert.Equal(t, Disconnected, c.State())

	errs := bus.errors()
	require.Len(t, errs, 1)
	assert.Equal(t, RemoteConnectionFailed, errs[0].Condition)
	assert.ErrorIs(t, errs[0].Err, ErrNoReachableHost)
}

func TestSocketConnectorNoHost(t *testing.T) {
	conf := testConfig()
	conf.Domain = ""
	c, bus, _ := newTestSocket(t, conf)
	assert.ErrorIs(t, c.Start(context.Background()), ErrNoHost)
	assert.Equal(t, Disconnected, c.State())
	errs := bus.errors()
	require.Len(t, errs, 1)
	assert.Equal(t, UndefinedCondition, errs[0].Condition)
}

func TestSocketConnectorMalformedFragment(t *testing.T) {
	srv := newFakeServer(t)
	c, bus, _ := newTestSocket(t, testConfig(), srv.entry())
	connectSocket(t, srv, c, "<message><body>x</bod></message><presence from='b@example.org'/>")

	bus.waitFor(t, "parse-error", 1)
	bus.waitFor(t, "stanza-received", 1)
	assert.Equal(t, "presence", bus.stanzas()[0].Name())
	assert.Equal(t, Connected, c.State())
}

func TestSocketConnectorTooLargeStanza(t *testing.T) {
	srv := newFakeServer(t)
	conf := testConfig()
	conf.MaxStanzaSize = 1024
	c, bus, _ := newTestSocket(t, conf, srv.entry())
	connectSocket(t, srv, c, "<message><body>"+strings.Repeat("x", 4096)+"</body></message>")

	bus.waitFor(t, "disconnected", 1)
	errs := bus.errors()
	require.Len(t, errs, 1)
	assert.Equal(t, PolicyViolation, errs[0].Condition)
	assert.ErrorIs(t, errs[0].Err, ErrTooLargeStanza)
}

func TestSocketConnectorStreamError(t *testing.T) {
	srv := newFakeServer(t)
	c, bus, _ := newTestSocket(t, testConfig(), srv.entry())
	p := connectSocket(t, srv, c,
		"<stream:error><conflict xmlns='urn:ietf:params:xml:ns:xmpp-streams'/></stream:error>")

	p.expect(t, "</stream:stream>")
	bus.waitFor(t, "disconnected", 1)
	errs := bus.errors()
	require.Len(t, errs, 1)
	assert.Equal(t, Conflict, errs[0].Condition)
}

func TestSocketConnectorSeeOtherHost(t *testing.T) {
	first := newFakeServer(t)
	second := newFakeServer(t)
	c, bus, resolver := newTestSocket(t, testConfig(), first.entry())

	p := connectSocket(t, first, c,
		"<stream:error><see-other-host xmlns='urn:ietf:params:xml:ns:xmpp-streams'>"+
			second.entry().String()+"</see-other-host></stream:error>")
	p.expect(t, "</stream:stream>")
	p.conn.Close()

	q := second.accept(t)
	q.expect(t, "<stream:stream")
	bus.waitFor(t, "host-changed", 1)
	require.Eventually(t, func() bool { return c.State() == Connected }, waitTimeout, 10*time.Millisecond)

	host, port := c.Context().ServerHost()
	assert.Equal(t, second.entry(), HostEntry{Host: host, Port: port})
	assert.Empty(t, bus.errors())
	assert.Zero(t, bus.count("disconnected"))

	entries, err := resolver.Resolve(context.Background(), "example.org")
	require.NoError(t, err)
	assert.True(t, resolver.pen.has(first.entry()))
	assert.Equal(t, first.entry(), entries[0])
}

func TestSocketConnectorStartTLS(t *testing.T) {
	cert, pool := selfSigned(t, "example.org")
	srv := newFakeServer(t)
	conf := testConfig()
	conf.RootCAs = pool
	c, bus, _ := newTestSocket(t, conf, srv.entry())

	p := connectSocket(t, srv, c, tlsFeatures)
	bus.waitFor(t, "stanza-received", 1)

	started, err := c.CreateSessionLogic().HandleFeatures(c.Context().StreamFeatures())
	require.NoError(t, err)
	assert.True(t, started)
	assert.Equal(t, PhaseRequested, c.Negotiation(UpgradeTLS))
	assert.ErrorIs(t, c.RequestTLS(), ErrNegotiationInProgress)

	p.expect(t, "<starttls")
	p.send(t, "<proceed xmlns='urn:ietf:params:xml:ns:xmpp-tls'/>")
	tlsConn := tls.Server(p.conn, &tls.Config{Certificates: []tls.Certificate{cert}})
	p.conn.SetDeadline(time.Now().Add(waitTimeout))
	require.NoError(t, tlsConn.Handshake())
	p.conn.SetDeadline(time.Time{})
	p.upgrade(tlsConn)

	p.expect(t, "<stream:stream")
	bus.waitFor(t, "encryption-established", 1)
	assert.True(t, c.IsSecure())
	assert.Equal(t, PhaseActive, c.Negotiation(UpgradeTLS))
	assert.NotNil(t, c.Context().PeerCertificate())
	assert.Nil(t, c.Context().StreamFeatures())

	p.expect(t, ">")
	p.send(t, serverHeader+"<stream:features/>")
	bus.waitFor(t, "stanza-received", 2)
	assert.Equal(t, 1, bus.count("stream-restarted"))
	assert.ErrorIs(t, c.RequestTLS(), ErrTLSUnavailable)
}

func TestSocketConnectorStartTLSUntrusted(t *testing.T) {
	cert, _ := selfSigned(t, "example.org")
	srv := newFakeServer(t)
	c, bus, _ := newTestSocket(t, testConfig(), srv.entry())

	p := connectSocket(t, srv, c, tlsFeatures)
	bus.waitFor(t, "stanza-received", 1)
	require.NoError(t, c.RequestTLS())
	p.expect(t, "<starttls")
	p.send(t, "<proceed xmlns='urn:ietf:params:xml:ns:xmpp-tls'/>")
	tlsConn := tls.Server(p.conn, &tls.Config{Certificates: []tls.Certificate{cert}})
	p.conn.SetDeadline(time.Now().Add(waitTimeout))
	tlsConn.Handshake()

	bus.waitFor(t, "disconnected", 1)
	errs := bus.errors()
	require.NotEmpty(t, errs)
	assert.Equal(t, PolicyViolation, errs[0].Condition)
	assert.False(t, c.IsSecure())
}

func TestSocketConnectorTLSFailure(t *testing.T) {
	srv := newFakeServer(t)
	c, bus, _ := newTestSocket(t, testConfig(), srv.entry())

	p := connectSocket(t, srv, c, tlsFeatures)
	bus.waitFor(t, "stanza-received", 1)
	require.NoError(t, c.RequestTLS())
	p.expect(t, "<starttls")
	p.send(t, "<failure xmlns='urn:ietf:params:xml:ns:xmpp-tls'/>")

	bus.waitFor(t, "negotiation-failed", 1)
	assert.Equal(t, PhaseFailed, c.Negotiation(UpgradeTLS))
	assert.Equal(t, Connected, c.State())
	assert.False(t, c.Context().keepaliveSuspended())
}

func TestSocketConnectorCompression(t *testing.T) {
	srv := newFakeServer(t)
	c, bus, _ := newTestSocket(t, testConfig(), srv.entry())

	p := connectSocket(t, srv, c, zlibFeatures)
	bus.waitFor(t, "stanza-received", 1)

	started, err := c.CreateSessionLogic().HandleFeatures(c.Context().StreamFeatures())
	require.NoError(t, err)
	assert.True(t, started)

	p.expect(t, "<compress")
	p.expect(t, "</compress>")
	p.send(t, "<compressed xmlns='http://jabber.org/protocol/compress'/>")
	p.upgrade(NewCompZlib(p.conn))

	p.expect(t, "<stream:stream")
	bus.waitFor(t, "compression-established", 1)
	assert.True(t, c.IsCompressed())

	p.expect(t, ">")
	p.send(t, serverHeader+"<message><body>zipped</body></message>")
	bus.waitFor(t, "stanza-received", 2)
	assert.Equal(t, "zipped", bus.stanzas()[1].Child("body").Text())
}

func TestSocketConnectorKeepalive(t *testing.T) {
	srv := newFakeServer(t)
	conf := testConfig()
	conf.DisableKeepalive = false
	conf.KeepaliveDelay = 50 * time.Millisecond
	c, _, _ := newTestSocket(t, conf, srv.entry())

	p := connectSocket(t, srv, c, "")
	p.expect(t, " ")

	c.Context().setKeepaliveSuspended(true)
	p.drain(100 * time.Millisecond)
	assert.NoError(t, c.Keepalive())
	p.quiet(t, 250*time.Millisecond)

	c.Context().setKeepaliveSuspended(false)
	p.expect(t, " ")
}

func TestSocketConnectorCompressionFailure(t *testing.T) {
	srv := newFakeServer(t)
	conf := testConfig()
	conf.DisableKeepalive = false
	conf.KeepaliveDelay = 50 * time.Millisecond
	c, bus, _ := newTestSocket(t, conf, srv.entry())

	p := connectSocket(t, srv, c, zlibFeatures)
	bus.waitFor(t, "stanza-received", 1)

	require.NoError(t, c.RequestCompression())
	assert.Equal(t, PhaseRequested, c.Negotiation(UpgradeCompression))
	assert.True(t, c.Context().keepaliveSuspended())
	p.expect(t, "</compress>")
	p.send(t, "<failure xmlns='http://jabber.org/protocol/compress'><setup-failed/></failure>")

	bus.waitFor(t, "negotiation-failed", 1)
	assert.Equal(t, PhaseFailed, c.Negotiation(UpgradeCompression))
	assert.Equal(t, Connected, c.State())
	assert.False(t, c.IsCompressed())
	assert.False(t, c.Context().keepaliveSuspended())

	// keepalive is back on the plain stream
	p.drain(20 * time.Millisecond)
	p.expect(t, " ")
	assert.Empty(t, bus.errors())
}

func selfSigned(t *testing.T, host string) (tls.Certificate, *x509.CertPool) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: host},
		DNSNames:              []string{host},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	pool := x509.NewCertPool()
	pool.AddCert(leaf)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}, pool
}
