package jaxmpp

import (
	"context"
	"net"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jackal-xmpp/stravaganza/v2"
)

const (
	TransportSocket    = "socket"
	TransportBosh      = "bosh"
	TransportWebSocket = "websocket"
)

// Connector is the uniform contract of every transport.
type Connector interface {
	Start(ctx context.Context) error
	Stop(graceful bool) error
	Send(elem stravaganza.Element) error
	RestartStream() error
	Keepalive() error
	State() State
	IsSecure() bool
	IsCompressed() bool
	Transport() string
	Context() *Context
	CreateSessionLogic() SessionLogic
}

type options struct {
	resolver Resolver
	logger   Logger
	metrics  *Metrics
	executor BoshExecutor
	wsDialer *websocket.Dialer
}

type Option func(*options)

func WithResolver(r Resolver) Option {
	return func(o *options) { o.resolver = r }
}

func WithLogger(l Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithBoshExecutor replaces the HTTP client BOSH requests are run with.
func WithBoshExecutor(e BoshExecutor) Option {
	return func(o *options) { o.executor = e }
}

func WithWebSocketDialer(d *websocket.Dialer) Option {
	return func(o *options) { o.wsDialer = d }
}

func newOptions(conf *Config, opts []Option) *options {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = nopLogger{}
	}
	if o.resolver == nil {
		o.resolver = NewDNSResolver(conf.DNSServer, conf.FailedHostCache, o.logger)
	}
	return o
}

// NewConnector builds the connector for transport.
func NewConnector(transport string, sess *Context, conf *Config, bus EventBus, opts ...Option) (Connector, error) {
	switch transport {
	case TransportSocket, "":
		return NewSocketConnector(sess, conf, bus, opts...), nil
	case TransportBosh:
		return NewBoshConnector(sess, conf, bus, opts...), nil
	case TransportWebSocket:
		return NewWebSocketConnector(sess, conf, bus, opts...), nil
	}
	return nil, &UnknownTransportError{Transport: transport}
}

type UnknownTransportError struct {
	Transport string
}

func (e *UnknownTransportError) Error() string {
	return "unknown transport " + strconv.Quote(e.Transport)
}

// connectorLogger names the sub logger of one connector instance.
func connectorLogger(logger Logger, transport string) Logger {
	if xl, ok := logger.(*XLogger); ok {
		return xl.Named(transport + "-" + uuid.New().String()[:8])
	}
	return logger
}

// splitTarget parses a see-other-host value. IPv6 literals must be
// bracketed when a port is given.
func splitTarget(target string) (string, int) {
	host, port, err := net.SplitHostPort(target)
	if err != nil {
		return target, DefaultPort
	}
	p, err := strconv.Atoi(port)
	if err != nil || p <= 0 {
		return host, DefaultPort
	}
	return host, p
}

func newSessionContext(sess *Context, conf *Config) *Context {
	if sess != nil {
		return sess
	}
	sess = NewContext(conf.Domain)
	sess.SetUserJID(conf.UserJID)
	if conf.ServerHost != "" {
		sess.SetServerHost(conf.ServerHost, conf.ServerPort)
	}
	sess.SetServiceURL(conf.ServiceURL)
	return sess
}
