package jaxmpp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackal-xmpp/stravaganza/v2"
)

const frameQueueSize = 64

type readResult struct {
	frame Frame
	perr  *ParseError
	err   error
	// pause is set for negotiation answers; the reader waits on resume for
	// the framer of the replaced pipeline.
	pause bool
}

// socketWorker owns one TCP connection and the goroutines reading it.
type socketWorker struct {
	conn   *TcpConn
	framer *Framer
	frames chan readResult
	resume chan *Framer
	done   chan struct{}
	once   sync.Once

	secure         atomic.Bool
	terminatorSent bool
}

func newSocketWorker(conn *TcpConn, framer *Framer) *socketWorker {
	return &socketWorker{
		conn:   conn,
		framer: framer,
		frames: make(chan readResult, frameQueueSize),
		resume: make(chan *Framer, 1),
		done:   make(chan struct{}),
	}
}

// SocketConnector speaks XMPP over TCP with optional STARTTLS and zlib.
type SocketConnector struct {
	lc       *lifecycle
	sess     *Context
	conf     *Config
	resolver Resolver
	dialer   contextDialer
	logger   Logger
	metrics  *Metrics

	neg        negotiation
	keepalive  ticker
	closeTimer graceTimer

	// ioMu serializes every write and every pipeline swap.
	ioMu sync.Mutex

	mu           sync.Mutex
	w            *socketWorker
	current      HostEntry
	started      bool
	reconnecting bool
}

func NewSocketConnector(sess *Context, conf *Config, bus EventBus, opts ...Option) *SocketConnector {
	conf, confErr := prepareConfig(conf)
	o := newOptions(conf, opts)
	logger := connectorLogger(o.logger, TransportSocket)
	if confErr != nil {
		logger.Printf(Warning, "config defaults not applied: %v", confErr)
	}
	sess = newSessionContext(sess, conf)
	return &SocketConnector{
		lc:       newLifecycle(TransportSocket, sess, bus, o.metrics, logger),
		sess:     sess,
		conf:     conf,
		resolver: o.resolver,
		logger:   logger,
		metrics:  o.metrics,
	}
}

// prepareConfig copies conf and fills what it leaves out. When the merge
// fails the copy keeps the caller's values untouched.
func prepareConfig(conf *Config) (*Config, error) {
	if conf == nil {
		return DefaultConfig(), nil
	}
	c := *conf
	if err := c.withDefaults(); err != nil {
		c = *conf
		return &c, err
	}
	return &c, nil
}

func (c *SocketConnector) State() State { return c.lc.State() }
func (c *SocketConnector) Transport() string { return TransportSocket }
func (c *SocketConnector) Context() *Context { return c.sess }
func (c *SocketConnector) IsSecure() bool { return c.sess.IsSecure() }
func (c *SocketConnector) IsCompressed() bool { return c.sess.IsCompressed() }
func (c *SocketConnector) Negotiation(u Upgrade) Phase { return c.neg.phase(u) }

func (c *SocketConnector) CreateSessionLogic() SessionLogic {
	return &socketSessionLogic{c: c}
}

func (c *SocketConnector) worker() *socketWorker {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.w
}

// CurrentHost is the candidate the live connection was made to.
func (c *SocketConnector) CurrentHost() HostEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *SocketConnector) Start(ctx context.Context) error {
	if err := c.lc.start(); err != nil {
		return err
	}
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()
	c.sess.ClearStreamScope()
	c.neg.reset()

	if c.dialer == nil {
		d, err := newDialer(c.conf)
		if err != nil {
			c.abortStart(UndefinedCondition, err)
			return err
		}
		c.dialer = d
	}
	entries, err := c.candidates(ctx)
	if err != nil {
		c.abortStart(UndefinedCondition, err)
		return err
	}
	raw, entry, err := dialCandidates(ctx, c.dialer, entries, c.logger, func(e HostEntry) {
		c.resolver.HostFailure(e.String())
	})
	if err != nil {
		c.abortStart(RemoteConnectionFailed, err)
		return err
	}
	pipe := NewTcpConn(raw)
	if c.conf.UsePlainSSL {
		if err := c.handshake(ctx, pipe); err != nil {
			pipe.Close()
			cond := RemoteConnectionFailed
			if isSecurityError(err) {
				cond = PolicyViolation
			}
			c.abortStart(cond, err)
			return err
		}
	}
	if !c.lc.is(Connecting) {
		pipe.Close()
		return ErrNotConnected
	}

	w := newSocketWorker(pipe, NewFramer(pipe, c.conf.MaxStanzaSize))
	w.secure.Store(pipe.IsSecure())
	c.mu.Lock()
	c.w = w
	c.current = entry
	c.mu.Unlock()
	c.deriveTransportFlags(pipe)
	c.logger.Printf(Info, "connected to %s", entry)

	go c.read(w)
	go c.dispatch(w)

	c.lc.markConnected()
	if err := c.writeHeader(w); err != nil {
		c.lc.fireError(RemoteConnectionFailed, err)
		c.lc.markDisconnecting()
		w.conn.Close()
		return err
	}
	c.armKeepalive()
	return nil
}

// abortStart reports a start that failed after Connecting.
func (c *SocketConnector) abortStart(cond StreamErrorCondition, err error) {
	c.lc.fireError(cond, err)
	c.lc.markDisconnected()
}

func (c *SocketConnector) candidates(ctx context.Context) ([]HostEntry, error) {
	if host, port := c.sess.ServerHost(); host != "" {
		if port <= 0 {
			port = DefaultPort
		}
		return []HostEntry{{Host: host, Port: port}}, nil
	}
	domain := c.sess.Domain()
	if domain == "" {
		return nil, ErrNoHost
	}
	entries, err := c.resolver.Resolve(ctx, domain)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", domain, err)
	}
	return entries, nil
}

func (c *SocketConnector) handshake(ctx context.Context, pipe *TcpConn) error {
	tc, err := c.conf.clientTLSConfig(c.sess.Domain())
	if err != nil {
		return err
	}
	if d := c.conf.HandshakeTimeout; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	return pipe.StartTLS(ctx, tc)
}

func (c *SocketConnector) deriveTransportFlags(pipe *TcpConn) {
	binding, _ := pipe.ChannelBinding()
	c.sess.setTransportFlags(pipe.IsSecure(), pipe.IsCompressed(), binding, pipe.PeerCertificate())
}

func (c *SocketConnector) header() StreamHeader {
	return StreamHeader{From: c.sess.UserJID(), To: c.sess.Domain(), Lang: c.conf.Lang}
}

// write sends raw text; ioMu must be held.
func (c *SocketConnector) write(w *socketWorker, s string) error {
	if w.terminatorSent {
		return nil
	}
	c.logger.Printf(Debug, "SEND: %s", s)
	_, err := w.conn.Write([]byte(s))
	return err
}

func (c *SocketConnector) writeLocked(w *socketWorker, s string) error {
	c.ioMu.Lock()
	defer c.ioMu.Unlock()
	return c.write(w, s)
}

func (c *SocketConnector) writeHeader(w *socketWorker) error {
	return c.writeLocked(w, c.header().String())
}

func (c *SocketConnector) sendTerminator(w *socketWorker) {
	c.ioMu.Lock()
	defer c.ioMu.Unlock()
	if w.terminatorSent {
		return
	}
	if err := c.write(w, closeStream); err != nil {
		c.logger.Printf(Debug, "sending stream close: %v", err)
	}
	w.terminatorSent = true
}

// Send writes one element. After teardown it does nothing; without a
// live stream it fails with ErrNotConnected.
func (c *SocketConnector) Send(elem stravaganza.Element) error {
	w := c.worker()
	switch c.lc.State() {
	case Disconnecting:
		return nil
	case Disconnected:
		c.mu.Lock()
		started := c.started
		c.mu.Unlock()
		if started {
			return nil
		}
		return ErrNotConnected
	}
	if w == nil {
		return ErrNotConnected
	}
	c.lc.fire(&StanzaSendingEvent{Stanza: elem})
	if err := c.writeLocked(w, elem.GoString()); err != nil {
		err = fmt.Errorf("sending %s: %w", elem.Name(), err)
		c.lc.fireError(RemoteConnectionFailed, err)
		c.lc.markDisconnecting()
		w.conn.Close()
		return err
	}
	c.metrics.stanza(TransportSocket, "out")
	return nil
}

// Keepalive writes a single space when the stream is idle-eligible.
func (c *SocketConnector) Keepalive() error {
	if !c.lc.is(Connected) || c.conf.DisableKeepalive || c.sess.keepaliveSuspended() {
		return nil
	}
	w := c.worker()
	if w == nil {
		return nil
	}
	return c.writeLocked(w, " ")
}

func (c *SocketConnector) armKeepalive() {
	if c.conf.DisableKeepalive || c.conf.ExternalKeepalive {
		return
	}
	delay := c.conf.keepaliveDelay()
	c.logger.Printf(Debug, "whitespace ping period is %s", delay)
	c.keepalive.start(delay, func() {
		if err := c.Keepalive(); err != nil {
			c.logger.Printf(Warning, "keepalive: %v", err)
		}
	})
}

func (c *SocketConnector) RestartStream() error {
	w := c.worker()
	if w == nil || !c.lc.is(Connected) {
		return ErrNotConnected
	}
	if err := c.writeHeader(w); err != nil {
		return err
	}
	c.lc.fire(&StreamRestartedEvent{})
	return nil
}

// RequestTLS asks the server to upgrade the stream to TLS.
func (c *SocketConnector) RequestTLS() error {
	if !c.lc.is(Connected) {
		return ErrNotConnected
	}
	if c.conf.TLSDisabled || c.sess.IsSecure() || !featureTLS(c.sess.StreamFeatures()) {
		return ErrTLSUnavailable
	}
	return c.requestUpgrade(UpgradeTLS, starttlsElement())
}

// RequestCompression asks the server to compress the stream with zlib.
func (c *SocketConnector) RequestCompression() error {
	if !c.lc.is(Connected) {
		return ErrNotConnected
	}
	if c.conf.CompressionDisabled || c.sess.IsCompressed() || !featureZlib(c.sess.StreamFeatures()) {
		return ErrCompressionUnavailable
	}
	return c.requestUpgrade(UpgradeCompression, compressElement())
}

func (c *SocketConnector) requestUpgrade(u Upgrade, elem stravaganza.Element) error {
	w := c.worker()
	if w == nil {
		return ErrNotConnected
	}
	if err := c.neg.request(u); err != nil {
		return err
	}
	c.sess.setKeepaliveSuspended(true)
	if err := c.writeLocked(w, elem.GoString()); err != nil {
		c.neg.settle(u, false)
		c.sess.setKeepaliveSuspended(false)
		return fmt.Errorf("requesting %s: %w", u, err)
	}
	return nil
}

func (c *SocketConnector) Stop(graceful bool) error {
	c.mu.Lock()
	c.reconnecting = false
	c.mu.Unlock()
	if c.lc.is(Disconnected) {
		return nil
	}
	c.lc.markDisconnecting()
	c.keepalive.cancel()
	w := c.worker()
	if w == nil {
		if c.lc.markDisconnected() {
			c.lc.fire(&DisconnectedEvent{})
		}
		return nil
	}
	if !graceful {
		w.conn.Close()
		return nil
	}
	c.sendTerminator(w)
	c.closeTimer.arm(c.conf.closeGrace(), func() {
		w.conn.Close()
	})
	return nil
}

func (c *SocketConnector) readTimeout(w *socketWorker) time.Duration {
	if w.secure.Load() {
		return c.conf.SSLSocketTimeout
	}
	return c.conf.PlainSocketTimeout
}

// read feeds frames of the current pipeline to dispatch. It never
// decides anything about the stream itself.
func (c *SocketConnector) read(w *socketWorker) {
	framer := w.framer
	for {
		if d := c.readTimeout(w); d > 0 {
			w.conn.SetReadDeadline(time.Now().Add(d))
		}
		frame, err := framer.Next()
		var r readResult
		var perr *ParseError
		switch {
		case errors.As(err, &perr):
			r.perr = perr
		case err != nil:
			r.err = err
		default:
			r.frame = frame
			r.pause = frame.Kind == FrameElement && c.pausesReader(frame.Element)
		}
		select {
		case w.frames <- r:
		case <-w.done:
			return
		}
		if r.err != nil {
			return
		}
		if r.pause {
			select {
			case next := <-w.resume:
				if next == nil {
					return
				}
				framer = next
			case <-w.done:
				return
			}
		}
	}
}

func (c *SocketConnector) pausesReader(elem stravaganza.Element) bool {
	u, ok, known := negotiationAnswer(elem)
	return known && ok && c.neg.phase(u) == PhaseRequested
}

func (c *SocketConnector) dispatch(w *socketWorker) {
	for {
		select {
		case r := <-w.frames:
			switch {
			case r.err != nil:
				c.readFailed(w, r.err)
				return
			case r.perr != nil:
				c.logger.Printf(Warning, "dropping malformed fragment: %v", r.perr)
				c.lc.fire(&ParseErrorEvent{Err: r.perr})
				continue
			}
			if !c.handleFrame(w, r) {
				return
			}
		case <-w.done:
			return
		}
	}
}

func (c *SocketConnector) handleFrame(w *socketWorker, r readResult) bool {
	frame := r.frame
	switch frame.Kind {
	case FrameHeader:
		c.logger.Printf(Debug, "RECV: stream header %s", frame.Element.GoString())
		c.sess.setStreamID(frame.Element.Attribute("id"))
		return true
	case FrameClose:
		c.logger.Printf(Debug, "RECV: %s", closeStream)
		c.peerClosed(w)
		return false
	}
	elem := frame.Element
	c.logger.Printf(Debug, "RECV: %s", elem.GoString())
	c.metrics.stanza(TransportSocket, "in")

	if u, ok, known := negotiationAnswer(elem); known {
		if r.pause {
			return c.proceed(w, u)
		}
		if !ok && c.neg.settle(u, false) {
			c.sess.setKeepaliveSuspended(false)
			c.metrics.negotiation(u, false)
			c.logger.Printf(Warning, "%s negotiation failed", u)
			c.lc.fire(&NegotiationFailedEvent{Upgrade: u, Element: elem})
			return true
		}
	}
	if isStreamError(elem) {
		return c.onStreamError(w, elem)
	}
	if isStreamFeatures(elem) {
		c.sess.setStreamFeatures(elem)
	}
	if c.lc.is(Connected) {
		c.lc.fire(&StanzaReceivedEvent{Stanza: elem})
	}
	return true
}

// proceed performs the upgrade the server accepted and hands the new
// framer to the paused reader.
func (c *SocketConnector) proceed(w *socketWorker, u Upgrade) bool {
	framer, err := c.swapPipeline(w, u)
	if err != nil {
		w.resume <- nil
		c.metrics.negotiation(u, false)
		cond := UndefinedCondition
		if isSecurityError(err) {
			cond = PolicyViolation
		}
		c.lc.fireError(cond, fmt.Errorf("%s: %w", u, err))
		c.lc.markDisconnecting()
		c.workerTerminated(w)
		return false
	}
	w.resume <- framer
	c.metrics.negotiation(u, true)
	if u == UpgradeTLS {
		c.lc.fire(&EncryptionEstablishedEvent{})
	} else {
		c.lc.fire(&CompressionEstablishedEvent{})
	}
	c.lc.fire(&StreamRestartedEvent{})
	return true
}

func (c *SocketConnector) swapPipeline(w *socketWorker, u Upgrade) (*Framer, error) {
	c.ioMu.Lock()
	defer c.ioMu.Unlock()
	switch u {
	case UpgradeTLS:
		if err := c.handshake(context.Background(), w.conn); err != nil {
			c.neg.settle(u, false)
			return nil, err
		}
		w.secure.Store(true)
	case UpgradeCompression:
		w.conn.StartCompress(NewCompZlib)
	}
	c.neg.settle(u, true)
	c.sess.ClearStreamScope()
	c.deriveTransportFlags(w.conn)
	framer := NewFramer(w.conn, c.conf.MaxStanzaSize)
	if err := c.write(w, c.header().String()); err != nil {
		return nil, err
	}
	c.logger.Printf(Info, "%s established", u)
	return framer, nil
}

func (c *SocketConnector) onStreamError(w *socketWorker, elem stravaganza.Element) bool {
	serr := ParseStreamError(elem)
	if serr.Condition == SeeOtherHost && serr.Target != "" {
		ev := &SeeOtherHostEvent{Target: serr.Target}
		c.lc.fire(ev)
		if !ev.Handled {
			c.reconnect(w, serr.Target)
			return true
		}
		c.closeAfterError(w)
		return true
	}
	c.lc.fireError(serr.Condition, serr)
	c.closeAfterError(w)
	return true
}

// closeAfterError answers a stream error with our close and waits for the
// server to drop the connection within the grace period.
func (c *SocketConnector) closeAfterError(w *socketWorker) {
	c.lc.markDisconnecting()
	c.keepalive.cancel()
	c.sendTerminator(w)
	c.closeTimer.arm(c.conf.closeGrace(), func() {
		w.conn.Close()
	})
}

// reconnect relocates the session to target. The new connection is only
// started once the current worker has terminated.
func (c *SocketConnector) reconnect(w *socketWorker, target string) {
	c.mu.Lock()
	if c.reconnecting {
		c.mu.Unlock()
		c.logger.Printf(Info, "ignoring redirect to %s, reconnect in progress", target)
		return
	}
	c.reconnecting = true
	cur := c.current
	c.mu.Unlock()

	c.logger.Printf(Info, "see-other-host: reconnecting to %s", target)
	c.metrics.reconnect(TransportSocket)
	c.resolver.HostFailure(cur.String())
	c.lc.markDisconnecting()
	c.keepalive.cancel()
	c.sess.ClearStreamScope()
	host, port := splitTarget(target)
	c.sess.SetServerHost(host, port)
	c.sendTerminator(w)
	c.closeTimer.arm(c.conf.closeGrace(), func() {
		w.conn.Close()
	})
}

func (c *SocketConnector) peerClosed(w *socketWorker) {
	c.sendTerminator(w)
	c.lc.markDisconnecting()
	w.conn.Close()
	c.workerTerminated(w)
}

func (c *SocketConnector) readFailed(w *socketWorker, err error) {
	c.mu.Lock()
	reconnecting := c.reconnecting
	c.mu.Unlock()
	if !reconnecting && c.lc.is(Connecting, Connected) {
		cond := RemoteConnectionFailed
		if errors.Is(err, ErrTooLargeStanza) {
			cond = PolicyViolation
		}
		c.lc.fireError(cond, fmt.Errorf("reading stream: %w", err))
	} else {
		c.logger.Printf(Debug, "reader stopped: %v", err)
	}
	c.workerTerminated(w)
}

// workerTerminated is the only place a connection ends. It restarts when
// a redirect is pending and reports Disconnected otherwise.
func (c *SocketConnector) workerTerminated(w *socketWorker) {
	w.once.Do(func() {
		close(w.done)
		c.closeTimer.cancel()
		c.keepalive.cancel()
		w.conn.Close()

		c.mu.Lock()
		if c.w != w {
			c.mu.Unlock()
			return
		}
		c.w = nil
		restart := c.reconnecting
		c.reconnecting = false
		c.mu.Unlock()

		c.lc.markDisconnected()
		if restart {
			go c.restart()
			return
		}
		c.lc.fire(&DisconnectedEvent{})
	})
}

func (c *SocketConnector) restart() {
	host, port := c.sess.ServerHost()
	c.lc.fire(&HostChangedEvent{Host: HostEntry{Host: host, Port: port}.String()})
	if err := c.Start(context.Background()); err != nil {
		c.logger.Printf(Error, "reconnecting: %v", err)
		c.lc.fire(&DisconnectedEvent{})
	}
}
