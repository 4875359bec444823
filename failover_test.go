package jaxmpp

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newFailoverSocket wires a socket connector, a failover controller and a
// recorder to one dispatcher.
func newFailoverSocket(t *testing.T, entries ...HostEntry) (*SocketConnector, *recorder, *StaticResolver) {
	t.Helper()
	d := NewDispatcher()
	bus := &recorder{}
	resolver := NewStaticResolver(entries...)
	c := NewSocketConnector(nil, testConfig(), d, WithResolver(resolver), WithLogger(NewLogger(nil)))
	f := NewFailoverController(c, resolver, d, NewLogger(nil))
	d.Subscribe(f.Handle)
	d.Subscribe(bus.Fire)
	t.Cleanup(func() { c.Stop(false) })
	return c, bus, resolver
}

func TestFailoverSocketRedirect(t *testing.T) {
	first := newFakeServer(t)
	second := newFakeServer(t)
	c, bus, resolver := newFailoverSocket(t, first.entry())

	p := connectSocket(t, first, c,
		"<stream:error><see-other-host xmlns='urn:ietf:params:xml:ns:xmpp-streams'>"+
			second.entry().String()+"</see-other-host></stream:error>")
	p.expect(t, "</stream:stream>")

	q := second.accept(t)
	q.expect(t, "<stream:stream")
	require.Eventually(t, func() bool { return c.State() == Connected }, waitTimeout, 10*time.Millisecond)

	assert.Equal(t, 1, bus.count("host-changed"))
	assert.Equal(t, 1, bus.count("disconnected"))
	assert.Empty(t, bus.errors())
	assert.Equal(t, second.entry(), c.CurrentHost())
	assert.True(t, resolver.pen.has(first.entry()))
}

func TestFailoverRefusesSameHost(t *testing.T) {
	srv := newFakeServer(t)
	c, bus, _ := newFailoverSocket(t, srv.entry())

	p := connectSocket(t, srv, c,
		"<stream:error><see-other-host xmlns='urn:ietf:params:xml:ns:xmpp-streams'>"+
			srv.entry().String()+"</see-other-host></stream:error>")
	p.expect(t, "</stream:stream>")

	bus.waitFor(t, "disconnected", 1)
	errs := bus.errors()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0].Err, ErrRedirectToSameHost)
	assert.Zero(t, bus.count("host-changed"))
	assert.Equal(t, Disconnected, c.State())
}

func TestFailoverIgnoresSecondRedirect(t *testing.T) {
	dead, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	target := dead.Addr().String()
	dead.Close()

	d := NewDispatcher()
	bus := &recorder{}
	c := NewSocketConnector(nil, testConfig(), d, WithResolver(NewStaticResolver()))
	f := NewFailoverController(c, nil, d, nil)
	d.Subscribe(bus.Fire)

	first := &SeeOtherHostEvent{Target: target}
	f.Handle(first)
	assert.True(t, first.Handled)
	second := &SeeOtherHostEvent{Target: "other.example.org:5222"}
	f.Handle(second)
	assert.True(t, second.Handled)
	assert.Equal(t, target, f.Pending())

	// the relocation runs once the connection is gone; the target is dead
	f.Handle(&DisconnectedEvent{})
	assert.Empty(t, f.Pending())
	require.Eventually(t, func() bool { return len(bus.errors()) == 1 }, waitTimeout, 10*time.Millisecond)
	assert.Equal(t, RemoteConnectionFailed, bus.errors()[0].Condition)
	assert.ErrorIs(t, bus.errors()[0].Err, ErrNoReachableHost)

	host, _ := c.Context().ServerHost()
	assert.Equal(t, "127.0.0.1", host)
}

func TestFailoverWebSocketSeeOtherURI(t *testing.T) {
	next := make(chan struct{}, 1)
	second := wsServer(t, []string{subprotocolFraming}, func(t *testing.T, conn *websocket.Conn, _ int) {
		if _, err := readText(conn); err != nil {
			return
		}
		next <- struct{}{}
		conn.WriteMessage(websocket.TextMessage, []byte(framingOpen))
		conn.WriteMessage(websocket.TextMessage, []byte(wsFeatures))
		readText(conn)
	})
	first := wsServer(t, []string{subprotocolFraming}, func(t *testing.T, conn *websocket.Conn, _ int) {
		if _, err := readText(conn); err != nil {
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte(framingOpen))
		conn.WriteMessage(websocket.TextMessage,
			[]byte("<close xmlns='urn:ietf:params:xml:ns:xmpp-framing' see-other-uri='"+wsURL(second)+"'/>"))
		readText(conn)
	})

	d := NewDispatcher()
	bus := &recorder{}
	c := newTestWebSocket(t, wsURL(first), d)
	f := NewFailoverController(c, NewStaticResolver(), d, nil)
	d.Subscribe(f.Handle)
	d.Subscribe(bus.Fire)

	require.NoError(t, c.Start(context.Background()))
	select {
	case <-next:
	case <-time.After(waitTimeout):
		t.Fatal("no connection to the redirect target")
	}
	bus.waitFor(t, "stanza-received", 1)
	assert.Equal(t, wsURL(second), c.Context().ServiceURL())
	assert.Empty(t, bus.errors())
	assert.Equal(t, 1, bus.count("host-changed"))
}
