package jaxmpp

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jackal-xmpp/stravaganza/v2"
)

const (
	subprotocolFraming = "xmpp-framing"
	subprotocolLegacy  = "xmpp"
	wsEventQueueSize   = 64
)

type wsEventKind int

const (
	wsOpen wsEventKind = iota
	wsMessage
	wsClose
	wsError
)

type wsEvent struct {
	kind wsEventKind
	data []byte
	err  error
}

// wsSession is one WebSocket connection and its event loop.
type wsSession struct {
	conn    *websocket.Conn
	framing bool
	events  chan wsEvent
	done    chan struct{}
	once    sync.Once

	closeSent bool
}

// WebSocketConnector speaks XMPP over WebSocket (RFC 7395), falling back
// to the legacy <stream:stream> envelope when the server asks for it.
type WebSocketConnector struct {
	lc      *lifecycle
	sess    *Context
	conf    *Config
	logger  Logger
	metrics *Metrics
	dialer  *websocket.Dialer

	keepalive ticker

	writeMu sync.Mutex

	mu      sync.Mutex
	ws      *wsSession
	retried bool
	// framingOverride is set after a silent close switched the envelope.
	framingOverride *bool
}

func NewWebSocketConnector(sess *Context, conf *Config, bus EventBus, opts ...Option) *WebSocketConnector {
	conf, confErr := prepareConfig(conf)
	o := newOptions(conf, opts)
	logger := connectorLogger(o.logger, TransportWebSocket)
	if confErr != nil {
		logger.Printf(Warning, "config defaults not applied: %v", confErr)
	}
	sess = newSessionContext(sess, conf)
	return &WebSocketConnector{
		lc:      newLifecycle(TransportWebSocket, sess, bus, o.metrics, logger),
		sess:    sess,
		conf:    conf,
		logger:  logger,
		metrics: o.metrics,
		dialer:  o.wsDialer,
	}
}

func (c *WebSocketConnector) State() State { return c.lc.State() }
func (c *WebSocketConnector) Transport() string { return TransportWebSocket }
func (c *WebSocketConnector) Context() *Context { return c.sess }
func (c *WebSocketConnector) IsSecure() bool { return c.sess.IsSecure() }

// IsCompressed is always false; WebSocket has no in-band compression here.
func (c *WebSocketConnector) IsCompressed() bool { return false }

func (c *WebSocketConnector) CreateSessionLogic() SessionLogic {
	return passiveSessionLogic{}
}

// Framing reports whether the live connection uses the RFC 7395 envelope.
func (c *WebSocketConnector) Framing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws != nil && c.ws.framing
}

func (c *WebSocketConnector) session() *wsSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws
}

func (c *WebSocketConnector) newDialer(u *url.URL) (*websocket.Dialer, error) {
	d := &websocket.Dialer{
		HandshakeTimeout: c.conf.HandshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}
	if c.dialer != nil {
		cp := *c.dialer
		d = &cp
	}
	d.Subprotocols = []string{subprotocolLegacy, subprotocolFraming}
	if u.Scheme == "wss" && d.TLSClientConfig == nil {
		tc, err := c.conf.clientTLSConfig(u.Hostname())
		if err != nil {
			return nil, err
		}
		d.TLSClientConfig = tc
	}
	if c.conf.Proxy.Enabled() {
		pu := &url.URL{Scheme: string(c.conf.Proxy.Type), Host: c.conf.Proxy.Address()}
		if c.conf.Proxy.Username != "" {
			pu.User = url.UserPassword(c.conf.Proxy.Username, c.conf.Proxy.Password)
		}
		d.Proxy = http.ProxyURL(pu)
	}
	return d, nil
}

// Start opens a new session. The framing fallback of an earlier session is
// forgotten.
func (c *WebSocketConnector) Start(ctx context.Context) error {
	if err := c.lc.start(); err != nil {
		return err
	}
	c.mu.Lock()
	c.retried = false
	c.framingOverride = nil
	c.mu.Unlock()
	return c.connect(ctx)
}

// connect dials once the lifecycle is Connecting.
func (c *WebSocketConnector) connect(ctx context.Context) error {
	c.sess.ClearStreamScope()

	raw := c.sess.ServiceURL()
	if raw == "" {
		c.lc.fireError(UndefinedCondition, ErrNoWebSocketURL)
		c.lc.markDisconnected()
		return ErrNoWebSocketURL
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		err = fmt.Errorf("%w: invalid url %q", ErrNoWebSocketURL, raw)
		c.lc.fireError(UndefinedCondition, err)
		c.lc.markDisconnected()
		return err
	}
	d, err := c.newDialer(u)
	if err != nil {
		c.lc.fireError(UndefinedCondition, err)
		c.lc.markDisconnected()
		return err
	}
	conn, resp, err := d.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("websocket handshake with %s: %s: %w", u.Host, resp.Status, err)
		} else {
			err = fmt.Errorf("websocket dial %s: %w", u.Host, err)
		}
		c.lc.fireError(RemoteConnectionFailed, err)
		c.lc.markDisconnected()
		return err
	}
	if !c.lc.is(Connecting) {
		conn.Close()
		return ErrNotConnected
	}

	framing := c.conf.ForceFraming || conn.Subprotocol() == subprotocolFraming
	c.mu.Lock()
	if c.framingOverride != nil {
		framing = *c.framingOverride
	}
	ws := &wsSession{
		conn:    conn,
		framing: framing,
		events:  make(chan wsEvent, wsEventQueueSize),
		done:    make(chan struct{}),
	}
	c.ws = ws
	c.mu.Unlock()

	secure := u.Scheme == "wss"
	var binding []byte
	if tc, ok := conn.UnderlyingConn().(*tls.Conn); ok {
		pipe := NewTcpConn(tc)
		binding, _ = pipe.ChannelBinding()
		c.sess.setTransportFlags(secure, false, binding, pipe.PeerCertificate())
	} else {
		c.sess.setTransportFlags(secure, false, nil, nil)
	}
	c.logger.Printf(Info, "websocket connected to %s (subprotocol %q, framing %v)", u.Host, conn.Subprotocol(), framing)

	ws.events <- wsEvent{kind: wsOpen}
	go c.loop(ws)
	go c.pump(ws)
	return nil
}

// pump turns blocking reads into loop events.
func (c *WebSocketConnector) pump(ws *wsSession) {
	for {
		mt, data, err := ws.conn.ReadMessage()
		ev := wsEvent{kind: wsMessage, data: data}
		if err != nil {
			ev = wsEvent{kind: wsError, err: err}
			if _, ok := err.(*websocket.CloseError); ok {
				ev.kind = wsClose
			}
		} else if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		select {
		case ws.events <- ev:
		case <-ws.done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (c *WebSocketConnector) loop(ws *wsSession) {
	for {
		select {
		case ev := <-ws.events:
			switch ev.kind {
			case wsOpen:
				c.onOpen(ws)
			case wsMessage:
				c.onMessage(ws, ev.data)
			case wsClose:
				c.onClose(ws, ev.err)
			case wsError:
				c.onError(ws, ev.err)
			}
		case <-ws.done:
			return
		}
	}
}

func (c *WebSocketConnector) onOpen(ws *wsSession) {
	if !c.lc.markConnected() {
		return
	}
	if err := c.writeText(ws, c.header(ws).String()); err != nil {
		c.fail(ws, fmt.Errorf("opening stream: %w", err))
		return
	}
	if !c.conf.ExternalKeepalive && !c.conf.DisableKeepalive {
		c.keepalive.start(c.conf.keepaliveDelay(), func() {
			if err := c.Keepalive(); err != nil {
				c.logger.Printf(Warning, "keepalive: %v", err)
			}
		})
	}
}

func (c *WebSocketConnector) header(ws *wsSession) StreamHeader {
	return StreamHeader{From: c.sess.UserJID(), To: c.sess.Domain(), Lang: c.conf.Lang, Framing: ws.framing}
}

func (c *WebSocketConnector) onMessage(ws *wsSession, data []byte) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return
	}
	c.logger.Printf(Debug, "RECV: %s", data)
	frames, perrs, err := ParseFrames(data, c.conf.MaxStanzaSize)
	for _, perr := range perrs {
		c.logger.Printf(Warning, "dropping malformed message: %v", perr)
		c.lc.fire(&ParseErrorEvent{Err: perr})
	}
	if err != nil {
		c.fail(ws, err)
		return
	}
	for _, frame := range frames {
		if !c.handleFrame(ws, frame) {
			return
		}
	}
}

func (c *WebSocketConnector) handleFrame(ws *wsSession, frame Frame) bool {
	switch frame.Kind {
	case FrameHeader:
		c.sess.setStreamID(frame.Element.Attribute("id"))
		return true
	case FrameClose:
		if frame.Element != nil {
			if target := frame.Element.Attribute("see-other-uri"); target != "" {
				c.seeOther(ws, target)
				return false
			}
		}
		c.logger.Printf(Debug, "server closed the stream")
		c.closeSession(ws, true)
		return false
	}
	elem := frame.Element
	c.metrics.stanza(TransportWebSocket, "in")
	if isStreamError(elem) {
		serr := ParseStreamError(elem)
		if serr.Condition == SeeOtherHost && serr.Target != "" {
			c.seeOther(ws, serr.Target)
			return false
		}
		c.fail(ws, serr)
		return false
	}
	if isStreamFeatures(elem) {
		c.sess.setStreamFeatures(elem)
		c.mu.Lock()
		c.retried = false
		c.mu.Unlock()
	}
	if c.lc.is(Connected) {
		c.lc.fire(&StanzaReceivedEvent{Stanza: elem})
	}
	return true
}

// seeOther reports a relocation and tears the connection down.
func (c *WebSocketConnector) seeOther(ws *wsSession, target string) {
	c.logger.Printf(Info, "server redirects to %s", target)
	ev := &SeeOtherHostEvent{Target: target}
	c.lc.fire(ev)
	if ev.Handled {
		c.closeSession(ws, true)
		return
	}
	c.fail(ws, &StreamError{Condition: SeeOtherHost, Target: target})
}

func (c *WebSocketConnector) onClose(ws *wsSession, err error) {
	if c.lc.is(Connected) && c.sess.StreamFeatures() == nil {
		c.mu.Lock()
		retry := !c.retried
		if retry {
			c.retried = true
			other := !ws.framing
			c.framingOverride = &other
		}
		c.mu.Unlock()
		if retry {
			c.logger.Printf(Info, "closed before stream features, retrying with framing %v", !ws.framing)
			c.finish(ws, true)
			return
		}
		c.fail(ws, fmt.Errorf("%w before stream features: %v", ErrUnexpectedStreamClosing, err))
		return
	}
	if c.lc.is(Disconnecting) {
		c.finish(ws, false)
		return
	}
	c.logger.Printf(Info, "websocket closed: %v", err)
	c.closeSession(ws, false)
}

func (c *WebSocketConnector) onError(ws *wsSession, err error) {
	if c.lc.is(Disconnecting, Disconnected) {
		c.finish(ws, false)
		return
	}
	c.fail(ws, fmt.Errorf("websocket: %w", err))
}

// fail reports err and drops the connection.
func (c *WebSocketConnector) fail(ws *wsSession, err error) {
	cond := UndefinedCondition
	if serr, ok := err.(*StreamError); ok {
		cond = serr.Condition
	}
	c.lc.fireError(cond, err)
	c.closeSession(ws, false)
}

// closeSession ends the stream from our side and waits for nothing.
func (c *WebSocketConnector) closeSession(ws *wsSession, terminate bool) {
	c.lc.markDisconnecting()
	c.keepalive.cancel()
	if terminate {
		c.sendCloser(ws)
	}
	c.finish(ws, false)
}

func (c *WebSocketConnector) sendCloser(ws *wsSession) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if ws.closeSent {
		return
	}
	ws.closeSent = true
	s := streamCloser(ws.framing)
	c.logger.Printf(Debug, "SEND: %s", s)
	if err := ws.conn.WriteMessage(websocket.TextMessage, []byte(s)); err != nil {
		c.logger.Printf(Debug, "sending stream close: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	ws.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
}

// finish is the single exit of a connection.
func (c *WebSocketConnector) finish(ws *wsSession, restart bool) {
	ws.once.Do(func() {
		close(ws.done)
		c.keepalive.cancel()
		ws.conn.Close()

		c.mu.Lock()
		if c.ws != ws {
			c.mu.Unlock()
			return
		}
		c.ws = nil
		c.mu.Unlock()

		c.lc.markDisconnected()
		if restart {
			go func() {
				if err := c.lc.start(); err != nil {
					c.logger.Printf(Warning, "restarting websocket: %v", err)
					return
				}
				if err := c.connect(context.Background()); err != nil {
					c.logger.Printf(Error, "restarting websocket: %v", err)
					c.lc.fire(&DisconnectedEvent{})
				}
			}()
			return
		}
		c.lc.fire(&DisconnectedEvent{})
	})
}

func (c *WebSocketConnector) writeText(ws *wsSession, s string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if ws.closeSent {
		return nil
	}
	c.logger.Printf(Debug, "SEND: %s", s)
	return ws.conn.WriteMessage(websocket.TextMessage, []byte(s))
}

func (c *WebSocketConnector) Send(elem stravaganza.Element) error {
	ws := c.session()
	if ws == nil || !c.lc.is(Connected) {
		return ErrNotConnected
	}
	c.lc.fire(&StanzaSendingEvent{Stanza: elem})
	if err := c.writeText(ws, elem.GoString()); err != nil {
		return fmt.Errorf("sending %s: %w", elem.Name(), err)
	}
	c.metrics.stanza(TransportWebSocket, "out")
	return nil
}

func (c *WebSocketConnector) RestartStream() error {
	ws := c.session()
	if ws == nil || !c.lc.is(Connected) {
		return ErrNotConnected
	}
	if err := c.writeText(ws, c.header(ws).String()); err != nil {
		return err
	}
	c.lc.fire(&StreamRestartedEvent{})
	return nil
}

func (c *WebSocketConnector) Keepalive() error {
	if c.conf.DisableKeepalive || !c.lc.is(Connected) {
		return nil
	}
	ws := c.session()
	if ws == nil {
		return nil
	}
	return c.writeText(ws, " ")
}

func (c *WebSocketConnector) Stop(graceful bool) error {
	if c.lc.is(Disconnected) {
		return nil
	}
	c.lc.markDisconnecting()
	c.keepalive.cancel()
	ws := c.session()
	if ws == nil {
		if c.lc.markDisconnected() {
			c.lc.fire(&DisconnectedEvent{})
		}
		return nil
	}
	if graceful {
		c.sendCloser(ws)
	}
	// the pump wakes up with an error and the loop finishes the session
	ws.conn.Close()
	return nil
}
