package example

import (
	"context"
	"errors"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/Aishwary1/jaxmpp"
	"github.com/jackal-xmpp/stravaganza/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Client connects one transport, negotiates what the server offers and
// logs every stanza until the stream ends.
type Client struct {
	config *Config
	logger *jaxmpp.XLogger

	bus      *jaxmpp.Dispatcher
	conn     jaxmpp.Connector
	logic    jaxmpp.SessionLogic
	registry *prometheus.Registry
	metrics  *http.Server

	once sync.Once
	done chan struct{}
}

func NewClient(conf *Config) (*Client, error) {
	if conf.Connector == nil {
		conf.Connector = jaxmpp.DefaultConfig()
	}
	if err := conf.Connector.Validate(conf.Transport); err != nil {
		return nil, err
	}
	logger := jaxmpp.NewLogger(os.Stdout)
	if !conf.Debug {
		logger.SetMode(jaxmpp.ProductionMode)
	}
	registry := prometheus.NewRegistry()
	m, err := jaxmpp.NewMetrics(registry)
	if err != nil {
		return nil, err
	}
	bus := jaxmpp.NewDispatcher()
	resolver := jaxmpp.NewDNSResolver(conf.Connector.DNSServer, conf.Connector.FailedHostCache, logger)
	conn, err := jaxmpp.NewConnector(conf.Transport, nil, conf.Connector, bus,
		jaxmpp.WithLogger(logger),
		jaxmpp.WithMetrics(m),
		jaxmpp.WithResolver(resolver))
	if err != nil {
		return nil, err
	}
	c := &Client{
		config:   conf,
		logger:   logger,
		bus:      bus,
		conn:     conn,
		logic:    conn.CreateSessionLogic(),
		registry: registry,
		done:     make(chan struct{}),
	}
	failover := jaxmpp.NewFailoverController(conn, resolver, bus, logger.Named("failover"))
	failover.SetMetrics(m)
	bus.Subscribe(failover.Handle)
	bus.Subscribe(c.handle)
	return c, nil
}

func (c *Client) handle(e jaxmpp.Event) {
	switch ev := e.(type) {
	case *jaxmpp.StanzaReceivedEvent:
		c.logger.Printf(jaxmpp.Info, "stanza: %s", ev.Stanza.GoString())
		if ev.Stanza.Name() == "features" {
			go c.onFeatures(ev.Stanza)
		}
	case *jaxmpp.ErrorEvent:
		c.logger.Printf(jaxmpp.Error, "%s: %v", ev.Condition, ev.Err)
	case *jaxmpp.HostChangedEvent:
		c.logger.Printf(jaxmpp.Info, "relocated to %s", ev.Host)
	case *jaxmpp.DisconnectedEvent:
		// a pending redirect restarts the connector right after this event
		time.AfterFunc(time.Second, func() {
			if c.conn.State() == jaxmpp.Disconnected {
				c.once.Do(func() { close(c.done) })
			}
		})
	}
}

func (c *Client) onFeatures(features stravaganza.Element) {
	started, err := c.logic.HandleFeatures(features)
	if err != nil {
		c.logger.Printf(jaxmpp.Warning, "negotiation: %v", err)
		return
	}
	if !started {
		c.logger.Printf(jaxmpp.Info, "stream ready over %s (secure %v, compressed %v)",
			c.conn.Transport(), c.conn.IsSecure(), c.conn.IsCompressed())
	}
}

// Start connects and blocks until the stream ends or ctx is done.
func (c *Client) Start(ctx context.Context) error {
	if c.config.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
		c.metrics = &http.Server{Addr: c.config.MetricsAddr, Handler: mux}
		go func() {
			if err := c.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				c.logger.Printf(jaxmpp.Error, "metrics server: %v", err)
			}
		}()
	}
	if err := c.conn.Start(ctx); err != nil {
		c.shutdownMetrics()
		return err
	}
	select {
	case <-ctx.Done():
		c.Stop()
		<-c.done
	case <-c.done:
	}
	c.shutdownMetrics()
	return nil
}

func (c *Client) Stop() {
	if err := c.conn.Stop(true); err != nil {
		c.logger.Printf(jaxmpp.Warning, "stop: %v", err)
	}
}

func (c *Client) shutdownMetrics() {
	if c.metrics == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c.metrics.Shutdown(ctx)
}
