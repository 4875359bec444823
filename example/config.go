package example

import (
	"fmt"
	"os"

	"github.com/Aishwary1/jaxmpp"
	"gopkg.in/yaml.v3"
)

// Config is the configuration of the demo client. Connector keys live at
// the top level of the YAML document next to the client's own keys.
type Config struct {
	Transport   string `yaml:"transport"`
	MetricsAddr string `yaml:"metrics_addr"`
	Debug       bool   `yaml:"debug"`

	Connector *jaxmpp.Config `yaml:"-"`
}

var DefaultConfig Config

func init() {
	DefaultConfig = Config{
		Transport: jaxmpp.TransportSocket,
		Connector: jaxmpp.DefaultConfig(),
	}
	DefaultConfig.Connector.Domain = "localhost"
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	conf := DefaultConfig
	if err := yaml.Unmarshal(data, &conf); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if conf.Connector, err = jaxmpp.ParseConfig(data); err != nil {
		return nil, err
	}
	return &conf, nil
}
