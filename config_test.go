package jaxmpp

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfigDefaults(t *testing.T) {
	conf, err := ParseConfig([]byte(`
domain: example.org
plain_socket_timeout: 60s
proxy:
  type: socks5
  host: 127.0.0.1
  port: 1080
bosh:
  wait: 30
`))
	require.NoError(t, err)
	assert.Equal(t, "example.org", conf.Domain)
	assert.Equal(t, DefaultPort, conf.ServerPort)
	assert.Equal(t, DefaultConnectTimeout, conf.ConnectTimeout)
	assert.Equal(t, DefaultMaxStanzaSize, conf.MaxStanzaSize)
	assert.Equal(t, 30, conf.Bosh.Wait)
	assert.Equal(t, DefaultBoshHold, conf.Bosh.Hold)
	assert.Equal(t, "en", conf.Lang)
	assert.True(t, conf.Proxy.Enabled())
	assert.Equal(t, "127.0.0.1:1080", conf.Proxy.Address())
	assert.Equal(t, 55*time.Second, conf.keepaliveDelay())
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jaxmpp.yaml")
	require.NoError(t, os.WriteFile(path, []byte("domain: example.net\nforce_framing: true\n"), 0o600))

	conf, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "example.net", conf.Domain)
	assert.True(t, conf.ForceFraming)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestKeepaliveDelay(t *testing.T) {
	conf := DefaultConfig()
	assert.Equal(t, DefaultKeepaliveDelay, conf.keepaliveDelay())
	conf.KeepaliveDelay = time.Second
	assert.Equal(t, time.Second, conf.keepaliveDelay())
}

func TestParseConfigInvalid(t *testing.T) {
	_, err := ParseConfig([]byte("domain: [unterminated"))
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	conf := DefaultConfig()
	assert.ErrorIs(t, conf.Validate(TransportSocket), ErrNoHost)
	assert.ErrorIs(t, conf.Validate(TransportBosh), ErrNoServiceURL)
	assert.ErrorIs(t, conf.Validate(TransportWebSocket), ErrNoWebSocketURL)
	var unknown *UnknownTransportError
	assert.ErrorAs(t, conf.Validate("carrier-pigeon"), &unknown)

	conf.Domain = "example.org"
	conf.ServiceURL = "https://example.org/http-bind"
	assert.NoError(t, conf.Validate(TransportSocket))
	assert.NoError(t, conf.Validate(TransportBosh))
	assert.ErrorIs(t, conf.Validate(TransportWebSocket), ErrNoWebSocketURL)

	conf.ServiceURL = "wss://example.org/xmpp-websocket"
	assert.NoError(t, conf.Validate(TransportWebSocket))
}

func TestPrepareConfigKeepsCallerValues(t *testing.T) {
	conf := &Config{Domain: "example.org", ServerPort: 5333}
	prepared, err := prepareConfig(conf)
	require.NoError(t, err)
	assert.Equal(t, 5333, prepared.ServerPort)
	assert.Equal(t, DefaultConnectTimeout, prepared.ConnectTimeout)
	assert.Zero(t, conf.ConnectTimeout)

	failure := errors.New("merge failed")
	orig := mergeDefaults
	mergeDefaults = func(*Config) error { return failure }
	t.Cleanup(func() { mergeDefaults = orig })

	prepared, err = prepareConfig(conf)
	assert.ErrorIs(t, err, failure)
	assert.Equal(t, "example.org", prepared.Domain)
	assert.Equal(t, 5333, prepared.ServerPort)

	var buf bytes.Buffer
	c := NewSocketConnector(nil, conf, nil, WithLogger(NewLogger(&buf)))
	assert.Equal(t, "example.org", c.Context().Domain())
	assert.Contains(t, buf.String(), "config defaults not applied")
}
