package jaxmpp

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/url"
	"os"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPort            = 5222
	DefaultSocketTimeout   = 0
	DefaultKeepaliveDelay  = 3*time.Minute - 5*time.Second
	DefaultConnectTimeout  = 30 * time.Second
	DefaultCloseGrace      = 3 * time.Second
	DefaultHandshakeWait   = 30 * time.Second
	DefaultBoshWait        = 60
	DefaultBoshHold        = 1
	DefaultFailedHostCache = 128
)

type ProxyType string

const (
	ProxyNone   = ProxyType("")
	ProxySOCKS5 = ProxyType("socks5")
	ProxyHTTP   = ProxyType("http")
)

type ProxyConfig struct {
	Type     ProxyType `yaml:"type"`
	Host     string    `yaml:"host"`
	Port     int       `yaml:"port"`
	Username string    `yaml:"username"`
	Password string    `yaml:"password"`
}

func (p ProxyConfig) Enabled() bool {
	return p.Type != ProxyNone && p.Host != ""
}

func (p ProxyConfig) Address() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

type BoshConfig struct {
	Wait     int `yaml:"wait"`
	Hold     int `yaml:"hold"`
	RetryMax int `yaml:"retry_max"`
}

// HostnameVerifier decides whether the peer certificate is acceptable for
// the domain. It runs after the chain has been verified.
type HostnameVerifier func(domain string, cert *x509.Certificate) error

type Config struct {
	Domain     string `yaml:"domain"`
	UserJID    string `yaml:"user_jid"`
	ServerHost string `yaml:"server_host"`
	ServerPort int    `yaml:"server_port"`
	ServiceURL string `yaml:"service_url"`
	DNSServer  string `yaml:"dns_server"`
	Lang       string `yaml:"lang"`

	DisableKeepalive   bool          `yaml:"disable_keepalive"`
	ExternalKeepalive  bool          `yaml:"external_keepalive"`
	KeepaliveDelay     time.Duration `yaml:"keepalive_delay"`
	PlainSocketTimeout time.Duration `yaml:"plain_socket_timeout"`
	SSLSocketTimeout   time.Duration `yaml:"ssl_socket_timeout"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
	HandshakeTimeout   time.Duration `yaml:"handshake_timeout"`
	CloseGrace         time.Duration `yaml:"close_grace"`

	UsePlainSSL              bool   `yaml:"use_plain_ssl"`
	TLSDisabled              bool   `yaml:"tls_disabled"`
	CompressionDisabled      bool   `yaml:"compression_disabled"`
	HostnameVerifierDisabled bool   `yaml:"hostname_verifier_disabled"`
	TrustedCAFile            string `yaml:"trusted_ca_file"`

	Proxy        ProxyConfig `yaml:"proxy"`
	ForceFraming bool        `yaml:"force_framing"`
	Bosh         BoshConfig  `yaml:"bosh"`

	MaxStanzaSize   int `yaml:"max_stanza_size"`
	FailedHostCache int `yaml:"failed_host_cache"`

	HostnameVerifier HostnameVerifier `yaml:"-"`
	RootCAs          *x509.CertPool   `yaml:"-"`
	// TLSConfig, when set, is cloned as the base for every handshake.
	TLSConfig *tls.Config `yaml:"-"`
}

func DefaultConfig() *Config {
	return &Config{
		ServerPort:       DefaultPort,
		ConnectTimeout:   DefaultConnectTimeout,
		HandshakeTimeout: DefaultHandshakeWait,
		CloseGrace:       DefaultCloseGrace,
		MaxStanzaSize:    DefaultMaxStanzaSize,
		FailedHostCache:  DefaultFailedHostCache,
		Lang:             "en",
		Bosh: BoshConfig{
			Wait: DefaultBoshWait,
			Hold: DefaultBoshHold,
		},
	}
}

// LoadConfig reads a YAML file and fills what it leaves out from
// DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return ParseConfig(data)
}

func ParseConfig(data []byte) (*Config, error) {
	var conf Config
	if err := yaml.Unmarshal(data, &conf); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := conf.withDefaults(); err != nil {
		return nil, err
	}
	return &conf, nil
}

var mergeDefaults = func(conf *Config) error {
	return mergo.Merge(conf, DefaultConfig())
}

func (conf *Config) withDefaults() error {
	if err := mergeDefaults(conf); err != nil {
		return fmt.Errorf("merging config defaults: %w", err)
	}
	return nil
}

// Validate checks that conf carries what the transport needs to start.
func (conf *Config) Validate(transport string) error {
	switch transport {
	case TransportSocket, "":
		if conf.Domain == "" && conf.ServerHost == "" && conf.UserJID == "" {
			return ErrNoHost
		}
	case TransportBosh:
		if _, err := url.ParseRequestURI(conf.ServiceURL); err != nil {
			return ErrNoServiceURL
		}
	case TransportWebSocket:
		u, err := url.Parse(conf.ServiceURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			return ErrNoWebSocketURL
		}
	default:
		return &UnknownTransportError{Transport: transport}
	}
	return nil
}

// keepaliveDelay follows the plain socket timeout when one is set so the
// ping lands before the timeout would fire.
func (conf *Config) keepaliveDelay() time.Duration {
	if conf.KeepaliveDelay > 0 {
		return conf.KeepaliveDelay
	}
	if conf.PlainSocketTimeout > 5*time.Second {
		return conf.PlainSocketTimeout - 5*time.Second
	}
	return DefaultKeepaliveDelay
}

func (conf *Config) closeGrace() time.Duration {
	if conf.CloseGrace > 0 {
		return conf.CloseGrace
	}
	return DefaultCloseGrace
}

func (conf *Config) rootCAs() (*x509.CertPool, error) {
	if conf.RootCAs != nil {
		return conf.RootCAs, nil
	}
	if conf.TrustedCAFile == "" {
		return nil, nil
	}
	pem, err := os.ReadFile(conf.TrustedCAFile)
	if err != nil {
		return nil, fmt.Errorf("reading trusted CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates in %s", conf.TrustedCAFile)
	}
	conf.RootCAs = pool
	return pool, nil
}
