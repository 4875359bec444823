package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Aishwary1/jaxmpp"
	"github.com/Aishwary1/jaxmpp/example"

	"github.com/spf13/cobra"
)

var (
	configFile string
	transport  string
	domain     string
	serviceURL string
	serverHost string
	metrics    string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:   "jaxmpp",
	Short: "jaxmpp",
	Long:  "jaxmpp is an XMPP client transport over TCP, BOSH and WebSocket",
}

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "open a stream and log what the server sends",
	RunE: func(cmd *cobra.Command, args []string) error {
		conf := example.DefaultConfig
		if configFile != "" {
			loaded, err := example.LoadConfig(configFile)
			if err != nil {
				return err
			}
			conf = *loaded
		}
		connector := *conf.Connector
		conf.Connector = &connector
		if cmd.Flags().Changed("transport") {
			conf.Transport = transport
		}
		if domain != "" {
			conf.Connector.Domain = domain
		}
		if serviceURL != "" {
			conf.Connector.ServiceURL = serviceURL
		}
		if serverHost != "" {
			conf.Connector.ServerHost = serverHost
		}
		if metrics != "" {
			conf.MetricsAddr = metrics
		}
		conf.Debug = conf.Debug || debug

		client, err := example.NewClient(&conf)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return client.Start(ctx)
	},
}

func init() {
	flags := connectCmd.Flags()
	flags.StringVarP(&configFile, "config", "c", "", "YAML configuration file")
	flags.StringVarP(&transport, "transport", "t", jaxmpp.TransportSocket, "socket, bosh or websocket")
	flags.StringVarP(&domain, "domain", "d", "", "XMPP domain")
	flags.StringVar(&serviceURL, "url", "", "BOSH or WebSocket service URL")
	flags.StringVar(&serverHost, "host", "", "connect to this host instead of resolving the domain")
	flags.StringVar(&metrics, "metrics", "", "serve prometheus metrics on this address")
	flags.BoolVar(&debug, "debug", false, "log every element sent and received")
	rootCmd.AddCommand(connectCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
