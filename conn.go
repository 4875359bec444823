package jaxmpp

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"time"
)

var (
	ErrBindTlsUniqueNotSupported = errors.New("bind tls unique not supported")
)

type Conn interface {
	net.Conn
	StartTLS(ctx context.Context, conf *tls.Config) error
	StartCompress(BuildCompressor)
	ChannelBinding() ([]byte, error)
	PeerCertificate() *x509.Certificate
	IsSecure() bool
	IsCompressed() bool
}

// TcpConn is the socket pipeline: raw connection, optional TLS layer,
// optional compression layer. Layers are only ever added.
type TcpConn struct {
	underlying net.Conn
	comp       Compressor
}

func NewTcpConn(underlying net.Conn) *TcpConn {
	return &TcpConn{underlying: underlying}
}

func (conn *TcpConn) Read(b []byte) (int, error) {
	if conn.comp != nil {
		return conn.comp.Read(b)
	}
	return conn.underlying.Read(b)
}

func (conn *TcpConn) Write(b []byte) (int, error) {
	if conn.comp != nil {
		return conn.comp.Write(b)
	}
	return conn.underlying.Write(b)
}

func (conn *TcpConn) Close() error {
	return conn.underlying.Close()
}

func (conn *TcpConn) LocalAddr() net.Addr {
	return conn.underlying.LocalAddr()
}

func (conn *TcpConn) RemoteAddr() net.Addr {
	return conn.underlying.RemoteAddr()
}

func (conn *TcpConn) SetDeadline(t time.Time) error {
	return conn.underlying.SetDeadline(t)
}

func (conn *TcpConn) SetReadDeadline(t time.Time) error {
	return conn.underlying.SetReadDeadline(t)
}

func (conn *TcpConn) SetWriteDeadline(t time.Time) error {
	return conn.underlying.SetWriteDeadline(t)
}

// ChannelBinding returns tls-unique before TLS 1.3 and the RFC 9266
// exporter afterwards.
func (conn *TcpConn) ChannelBinding() ([]byte, error) {
	c, ok := conn.underlying.(*tls.Conn)
	if !ok {
		return nil, ErrBindTlsUniqueNotSupported
	}
	cs := c.ConnectionState()
	if cs.Version < tls.VersionTLS13 {
		if len(cs.TLSUnique) == 0 {
			return nil, ErrBindTlsUniqueNotSupported
		}
		return cs.TLSUnique, nil
	}
	return cs.ExportKeyingMaterial("EXPORTER-Channel-Binding", nil, 32)
}

func (conn *TcpConn) PeerCertificate() *x509.Certificate {
	c, ok := conn.underlying.(*tls.Conn)
	if !ok {
		return nil
	}
	certs := c.ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return nil
	}
	return certs[0]
}

func (conn *TcpConn) IsSecure() bool {
	_, ok := conn.underlying.(*tls.Conn)
	return ok
}

func (conn *TcpConn) IsCompressed() bool {
	return conn.comp != nil
}

// StartTLS runs the client handshake over the current connection and
// swaps it in on success. Calling it on a secure pipeline is a no-op.
func (conn *TcpConn) StartTLS(ctx context.Context, conf *tls.Config) error {
	if _, ok := conn.underlying.(*tls.Conn); ok {
		return nil
	}
	tc := tls.Client(conn.underlying, conf)
	if err := tc.HandshakeContext(ctx); err != nil {
		return err
	}
	conn.underlying = tc
	return nil
}

func (conn *TcpConn) StartCompress(buildCompress BuildCompressor) {
	if conn.comp != nil {
		return
	}
	conn.comp = buildCompress(conn.underlying)
}
