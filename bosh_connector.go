package jaxmpp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/jackal-xmpp/stravaganza/v2"
)

const boshVersion = "1.6"

// BoshExecutor runs BOSH HTTP requests. *http.Client satisfies it.
type BoshExecutor interface {
	Do(req *http.Request) (*http.Response, error)
}

type boshKind int

const (
	boshPayload boshKind = iota
	boshCreate
	boshRestart
	boshTerminate
)

type boshRequest struct {
	rid    int64
	cancel context.CancelFunc
}

// BoshConnector carries the stream over XEP-0124/XEP-0206 HTTP requests.
// Every outbound body is its own request worker.
type BoshConnector struct {
	lc       *lifecycle
	sess     *Context
	conf     *Config
	logger   Logger
	metrics  *Metrics
	executor BoshExecutor

	// respMu serializes response handling across workers.
	respMu sync.Mutex

	mu           sync.Mutex
	url          *url.URL
	rid          int64
	gen          uint64
	active       map[int64]*boshRequest
	terminateRID int64
}

func NewBoshConnector(sess *Context, conf *Config, bus EventBus, opts ...Option) *BoshConnector {
	conf, confErr := prepareConfig(conf)
	o := newOptions(conf, opts)
	logger := connectorLogger(o.logger, TransportBosh)
	if confErr != nil {
		logger.Printf(Warning, "config defaults not applied: %v", confErr)
	}
	sess = newSessionContext(sess, conf)
	return &BoshConnector{
		lc:       newLifecycle(TransportBosh, sess, bus, o.metrics, logger),
		sess:     sess,
		conf:     conf,
		logger:   logger,
		metrics:  o.metrics,
		executor: o.executor,
		active:   map[int64]*boshRequest{},
	}
}

func (c *BoshConnector) State() State { return c.lc.State() }
func (c *BoshConnector) Transport() string { return TransportBosh }
func (c *BoshConnector) Context() *Context { return c.sess }
func (c *BoshConnector) IsSecure() bool { return c.sess.IsSecure() }
func (c *BoshConnector) IsCompressed() bool { return false }

func (c *BoshConnector) CreateSessionLogic() SessionLogic {
	return passiveSessionLogic{}
}

// ActiveRequests is the number of requests waiting for a response.
func (c *BoshConnector) ActiveRequests() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

func (c *BoshConnector) defaultExecutor(u *url.URL) (BoshExecutor, error) {
	transport := cleanhttp.DefaultPooledTransport()
	if u.Scheme == "https" {
		tc, err := c.conf.clientTLSConfig(u.Hostname())
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tc
	}
	if c.conf.Proxy.Enabled() {
		pu := &url.URL{Scheme: string(c.conf.Proxy.Type), Host: c.conf.Proxy.Address()}
		if c.conf.Proxy.Username != "" {
			pu.User = url.UserPassword(c.conf.Proxy.Username, c.conf.Proxy.Password)
		}
		transport.Proxy = http.ProxyURL(pu)
	}
	client := &http.Client{
		Transport: transport,
		Timeout:   time.Duration(c.conf.Bosh.Wait)*time.Second + 10*time.Second,
	}
	retryClient := &retryablehttp.Client{
		HTTPClient:   client,
		RetryWaitMin: 500 * time.Millisecond,
		RetryWaitMax: 2 * time.Second,
		RetryMax:     c.conf.Bosh.RetryMax,
		CheckRetry:   retryablehttp.DefaultRetryPolicy,
		Backoff:      retryablehttp.DefaultBackoff,
	}
	if xl, ok := c.logger.(*XLogger); ok {
		retryClient.Logger = xl.Hclog()
	}
	return retryClient.StandardClient(), nil
}

func (c *BoshConnector) Start(ctx context.Context) error {
	if err := c.lc.start(); err != nil {
		return err
	}
	c.sess.ClearStreamScope()

	raw := c.sess.ServiceURL()
	u, err := url.Parse(raw)
	if raw == "" || err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		err := ErrNoServiceURL
		if raw != "" {
			err = fmt.Errorf("%w: invalid url %q", ErrNoServiceURL, raw)
		}
		c.lc.fireError(UndefinedCondition, err)
		c.lc.markDisconnected()
		return err
	}
	if c.executor == nil {
		e, err := c.defaultExecutor(u)
		if err != nil {
			c.lc.fireError(UndefinedCondition, err)
			c.lc.markDisconnected()
			return err
		}
		c.executor = e
	}
	c.mu.Lock()
	c.url = u
	c.rid = rand.Int63n(1<<40) + 1
	c.active = map[int64]*boshRequest{}
	c.terminateRID = 0
	c.mu.Unlock()
	c.sess.setTransportFlags(u.Scheme == "https", false, nil, nil)

	c.post(boshCreate)
	return nil
}

// body builds the <body/> wrapper of one request.
func (c *BoshConnector) body(kind boshKind, rid int64, children []stravaganza.Element) stravaganza.Element {
	b := stravaganza.NewBuilder("body").
		WithAttribute(stravaganza.Namespace, NSHTTPBind).
		WithAttribute("rid", strconv.FormatInt(rid, 10))
	if sid := c.sess.BoshSID(); sid != "" {
		b.WithAttribute("sid", sid)
	}
	switch kind {
	case boshCreate:
		b.WithAttribute("xmlns:xmpp", NSXBosh).
			WithAttribute("content", "text/xml; charset=utf-8").
			WithAttribute("hold", strconv.Itoa(c.conf.Bosh.Hold)).
			WithAttribute("wait", strconv.Itoa(c.conf.Bosh.Wait)).
			WithAttribute("to", c.sess.Domain()).
			WithAttribute("ver", boshVersion).
			WithAttribute("xmpp:version", streamVersion)
		if c.conf.Lang != "" {
			b.WithAttribute("xml:lang", c.conf.Lang)
		}
		if jid := c.sess.UserJID(); jid != "" {
			b.WithAttribute("from", jid)
		}
	case boshRestart:
		b.WithAttribute("xmlns:xmpp", NSXBosh).
			WithAttribute("to", c.sess.Domain()).
			WithAttribute("xmpp:restart", "true")
		if c.conf.Lang != "" {
			b.WithAttribute("xml:lang", c.conf.Lang)
		}
	case boshTerminate:
		b.WithAttribute("type", "terminate")
	}
	if len(children) > 0 {
		b.WithChildren(children...)
	}
	return b.Build()
}

// post starts one request worker and returns its rid. A session sends at
// most one terminate body; a second one returns 0.
func (c *BoshConnector) post(kind boshKind, children ...stravaganza.Element) int64 {
	c.mu.Lock()
	if kind == boshTerminate && c.terminateRID != 0 {
		c.mu.Unlock()
		return 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.rid++
	rid := c.rid
	gen := c.gen
	u := c.url
	c.active[rid] = &boshRequest{rid: rid, cancel: cancel}
	if kind == boshTerminate {
		c.terminateRID = rid
	}
	c.mu.Unlock()

	body := c.body(kind, rid, children).GoString()
	c.logger.Printf(Debug, "SEND: %s", body)
	go c.work(ctx, gen, rid, u, body)
	return rid
}

func (c *BoshConnector) work(ctx context.Context, gen uint64, rid int64, u *url.URL, body string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewBufferString(body))
	if err != nil {
		c.onError(gen, rid, err)
		return
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	resp, err := c.executor.Do(req)
	if err != nil {
		c.onError(gen, rid, err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.onError(gen, rid, fmt.Errorf("bosh: unexpected status %s", resp.Status))
		return
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, int64(c.conf.MaxStanzaSize)+1))
	if err != nil {
		c.onError(gen, rid, err)
		return
	}
	if len(data) > c.conf.MaxStanzaSize {
		c.onError(gen, rid, ErrTooLargeStanza)
		return
	}
	c.logger.Printf(Debug, "RECV: %s", data)
	elems, err := ParseElements(data)
	if err != nil || len(elems) != 1 || !hasNamespace(elems[0], "body", NSHTTPBind) {
		c.onError(gen, rid, &ParseError{Fragment: string(data), Err: errMalformedBody(err)})
		return
	}
	if elems[0].Attribute("type") == "terminate" {
		c.onTerminate(gen, rid, elems[0])
		return
	}
	c.onResponse(gen, rid, elems[0])
}

func errMalformedBody(err error) error {
	if err != nil {
		return err
	}
	return errors.New("response is not a single httpbind body")
}

// complete removes rid from the active set. It reports false for
// responses of a previous session.
func (c *BoshConnector) complete(gen uint64, rid int64) (bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return false, false
	}
	delete(c.active, rid)
	return true, rid == c.terminateRID
}

func (c *BoshConnector) onResponse(gen uint64, rid int64, body stravaganza.Element) {
	c.respMu.Lock()
	defer c.respMu.Unlock()
	current, terminating := c.complete(gen, rid)
	if !current {
		return
	}
	if terminating {
		c.finish(gen)
		return
	}
	if sid := body.Attribute("sid"); sid != "" && c.sess.BoshSID() == "" {
		c.sess.setBoshSID(sid)
	}
	if c.lc.is(Connecting) && c.sess.BoshSID() != "" {
		c.lc.markConnected()
	}
	for _, child := range body.AllChildren() {
		if !c.dispatch(gen, child) {
			return
		}
	}
	c.poll()
}

func (c *BoshConnector) onTerminate(gen uint64, rid int64, body stravaganza.Element) {
	c.respMu.Lock()
	defer c.respMu.Unlock()
	current, terminating := c.complete(gen, rid)
	if !current {
		return
	}
	if terminating || c.lc.is(Disconnecting) {
		c.finish(gen)
		return
	}
	for _, child := range body.AllChildren() {
		if !c.dispatch(gen, child) {
			return
		}
	}
	if cond := body.Attribute("condition"); cond != "" {
		if cond == "see-other-uri" {
			if uri := body.Child("uri"); uri != nil {
				c.lc.fire(&SeeOtherHostEvent{Target: uri.Text()})
				c.finish(gen)
				return
			}
		}
		c.lc.fireError(StreamErrorCondition(cond), fmt.Errorf("bosh session terminated: %s", cond))
	}
	c.finish(gen)
}

// onError fails every outstanding request of the session at once.
func (c *BoshConnector) onError(gen uint64, rid int64, err error) {
	c.respMu.Lock()
	defer c.respMu.Unlock()
	current, _ := c.complete(gen, rid)
	if !current {
		return
	}
	if errors.Is(err, context.Canceled) || c.lc.is(Disconnecting, Disconnected) {
		c.logger.Printf(Debug, "request %d ended: %v", rid, err)
		c.finish(gen)
		return
	}
	c.lc.fireError(RemoteConnectionFailed, err)
	c.finish(gen)
}

func (c *BoshConnector) dispatch(gen uint64, elem stravaganza.Element) bool {
	c.metrics.stanza(TransportBosh, "in")
	if isStreamError(elem) {
		serr := ParseStreamError(elem)
		if serr.Condition == SeeOtherHost && serr.Target != "" {
			c.lc.fire(&SeeOtherHostEvent{Target: serr.Target})
		} else {
			c.lc.fireError(serr.Condition, serr)
		}
		c.lc.markDisconnecting()
		c.finish(gen)
		return false
	}
	if isStreamFeatures(elem) {
		c.sess.setStreamFeatures(elem)
	}
	if c.lc.is(Connected) {
		c.lc.fire(&StanzaReceivedEvent{Stanza: elem})
	}
	return true
}

// poll keeps one request parked at the server so it can push.
func (c *BoshConnector) poll() {
	if !c.lc.is(Connected) || c.ActiveRequests() > 0 {
		return
	}
	c.post(boshPayload)
}

// finish ends the session generation gen exactly once.
func (c *BoshConnector) finish(gen uint64) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.gen++
	active := c.active
	c.active = map[int64]*boshRequest{}
	c.terminateRID = 0
	c.mu.Unlock()

	for _, r := range active {
		r.cancel()
	}
	c.lc.markDisconnecting()
	c.lc.markDisconnected()
	c.lc.fire(&DisconnectedEvent{})
}

func (c *BoshConnector) Send(elem stravaganza.Element) error {
	if !c.lc.is(Connected) {
		return ErrNotConnected
	}
	c.lc.fire(&StanzaSendingEvent{Stanza: elem})
	c.post(boshPayload, elem)
	c.metrics.stanza(TransportBosh, "out")
	return nil
}

// Keepalive sends an empty body when no request is parked at the server.
func (c *BoshConnector) Keepalive() error {
	if c.conf.DisableKeepalive {
		return nil
	}
	c.poll()
	return nil
}

func (c *BoshConnector) RestartStream() error {
	if !c.lc.is(Connected) {
		return ErrNotConnected
	}
	c.post(boshRestart)
	c.lc.fire(&StreamRestartedEvent{})
	return nil
}

func (c *BoshConnector) Stop(graceful bool) error {
	if c.lc.is(Disconnected) {
		return nil
	}
	c.lc.markDisconnecting()
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()
	if graceful && c.sess.BoshSID() != "" {
		c.post(boshTerminate)
		return nil
	}
	c.finish(gen)
	return nil
}
