package jaxmpp

import (
	"bytes"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackal-xmpp/stravaganza/v2"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 5 * time.Second

// recorder is an EventBus keeping every event it sees.
type recorder struct {
	mu     sync.Mutex
	events []Event
	hook   func(Event)
}

func (r *recorder) Fire(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	hook := r.hook
	r.mu.Unlock()
	if hook != nil {
		hook(e)
	}
}

func (r *recorder) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Name() == name {
			n++
		}
	}
	return n
}

func (r *recorder) stanzas() []stravaganza.Element {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []stravaganza.Element
	for _, e := range r.events {
		if ev, ok := e.(*StanzaReceivedEvent); ok {
			out = append(out, ev.Stanza)
		}
	}
	return out
}

func (r *recorder) errors() []*ErrorEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*ErrorEvent
	for _, e := range r.events {
		if ev, ok := e.(*ErrorEvent); ok {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) waitFor(t *testing.T, name string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return r.count(name) >= n }, waitTimeout, 10*time.Millisecond,
		"waiting for %d %s events", n, name)
}

// fakeServer accepts loopback TCP connections on behalf of an XMPP server.
type fakeServer struct {
	ln    net.Listener
	conns chan net.Conn
}

func newFakeServer(t *testing.T) *fakeServer {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &fakeServer{ln: ln, conns: make(chan net.Conn, 4)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			s.conns <- conn
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *fakeServer) entry() HostEntry {
	addr := s.ln.Addr().(*net.TCPAddr)
	return HostEntry{Host: "127.0.0.1", Port: addr.Port}
}

func (s *fakeServer) accept(t *testing.T) *peer {
	t.Helper()
	select {
	case conn := <-s.conns:
		t.Cleanup(func() { conn.Close() })
		return &peer{conn: conn, rw: conn}
	case <-time.After(waitTimeout):
		t.Fatal("no connection accepted")
	}
	return nil
}

// peer is the server side of one accepted connection.
type peer struct {
	conn net.Conn
	// rw is conn or the layer negotiated on top of it.
	rw  io.ReadWriter
	buf bytes.Buffer
}

// upgrade replaces the pipeline; unread plain text is discarded.
func (p *peer) upgrade(rw io.ReadWriter) {
	p.rw = rw
	p.buf.Reset()
}

// expect reads until the received text contains s and consumes it.
func (p *peer) expect(t *testing.T, s string) {
	t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(waitTimeout))
	defer p.conn.SetReadDeadline(time.Time{})
	chunk := make([]byte, 4096)
	for {
		if i := strings.Index(p.buf.String(), s); i >= 0 {
			rest := p.buf.String()[i+len(s):]
			p.buf.Reset()
			p.buf.WriteString(rest)
			return
		}
		n, err := p.rw.Read(chunk)
		if err != nil {
			t.Fatalf("waiting for %q, got %q: %v", s, p.buf.String(), err)
		}
		p.buf.Write(chunk[:n])
	}
}

// drain discards whatever arrives within d.
func (p *peer) drain(d time.Duration) {
	p.conn.SetReadDeadline(time.Now().Add(d))
	defer p.conn.SetReadDeadline(time.Time{})
	chunk := make([]byte, 512)
	for {
		if _, err := p.rw.Read(chunk); err != nil {
			break
		}
	}
	p.buf.Reset()
}

// quiet fails when anything arrives within d.
func (p *peer) quiet(t *testing.T, d time.Duration) {
	t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(d))
	defer p.conn.SetReadDeadline(time.Time{})
	chunk := make([]byte, 512)
	n, err := p.rw.Read(chunk)
	if n > 0 {
		t.Fatalf("unexpected write %q", chunk[:n])
	}
	var ne net.Error
	require.True(t, errors.As(err, &ne) && ne.Timeout(), "reading: %v", err)
}

func (p *peer) send(t *testing.T, s string) {
	t.Helper()
	_, err := p.rw.Write([]byte(s))
	require.NoError(t, err)
}

const serverHeader = "<?xml version='1.0'?><stream:stream xmlns='jabber:client' " +
	"xmlns:stream='http://etherx.jabber.org/streams' id='s1' from='example.org' version='1.0'>"

func testConfig() *Config {
	conf := DefaultConfig()
	conf.Domain = "example.org"
	conf.CloseGrace = 200 * time.Millisecond
	conf.DisableKeepalive = true
	return conf
}
