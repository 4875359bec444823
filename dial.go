package jaxmpp

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/net/proxy"
)

type contextDialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// newDialer returns the dialer for target connections: direct, through a
// SOCKS5 proxy, or through an HTTP CONNECT tunnel.
func newDialer(conf *Config) (contextDialer, error) {
	direct := &net.Dialer{Timeout: conf.ConnectTimeout}
	if !conf.Proxy.Enabled() {
		return direct, nil
	}
	switch conf.Proxy.Type {
	case ProxySOCKS5:
		var auth *proxy.Auth
		if conf.Proxy.Username != "" {
			auth = &proxy.Auth{User: conf.Proxy.Username, Password: conf.Proxy.Password}
		}
		d, err := proxy.SOCKS5("tcp", conf.Proxy.Address(), auth, direct)
		if err != nil {
			return nil, fmt.Errorf("socks5 proxy: %w", err)
		}
		if cd, ok := d.(contextDialer); ok {
			return cd, nil
		}
		return nil, fmt.Errorf("socks5 proxy dialer does not support contexts")
	case ProxyHTTP:
		return &httpConnectDialer{proxy: conf.Proxy, forward: direct}, nil
	}
	return nil, fmt.Errorf("unknown proxy type %q", conf.Proxy.Type)
}

type httpConnectDialer struct {
	proxy   ProxyConfig
	forward *net.Dialer
}

func (d *httpConnectDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	conn, err := d.forward.DialContext(ctx, network, d.proxy.Address())
	if err != nil {
		return nil, err
	}
	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Host: addr},
		Host:   addr,
		Header: http.Header{},
	}
	if d.proxy.Username != "" {
		cred := base64.StdEncoding.EncodeToString([]byte(d.proxy.Username + ":" + d.proxy.Password))
		req.Header.Set("Proxy-Authorization", "Basic "+cred)
	}
	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
		defer conn.SetDeadline(time.Time{})
	}
	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("http proxy: %w", err)
	}
	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("http proxy: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("http proxy: CONNECT %s: %s", addr, resp.Status)
	}
	if br.Buffered() > 0 {
		conn.Close()
		return nil, fmt.Errorf("http proxy: unexpected data after CONNECT response")
	}
	return conn, nil
}

// dialCandidates tries every entry in order and returns the first
// connection. Failing entries are reported to onFailure and skipped.
func dialCandidates(ctx context.Context, d contextDialer, entries []HostEntry, logger Logger, onFailure func(HostEntry)) (net.Conn, HostEntry, error) {
	var errs *multierror.Error
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, HostEntry{}, err
		}
		logger.Printf(Debug, "dialing %s", e)
		conn, err := d.DialContext(ctx, "tcp", e.String())
		if err == nil {
			return conn, e, nil
		}
		logger.Printf(Info, "connecting to %s failed: %v", e, err)
		errs = multierror.Append(errs, fmt.Errorf("%s: %w", e, err))
		if onFailure != nil {
			onFailure(e)
		}
	}
	if errs == nil {
		return nil, HostEntry{}, ErrNoReachableHost
	}
	return nil, HostEntry{}, fmt.Errorf("%w: %w", ErrNoReachableHost, errs)
}
