package jaxmpp

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
)

var errNoPeerCertificate = errors.New("server presented no certificate")

// clientTLSConfig builds the handshake configuration for domain. Chain
// verification runs against the configured roots, then the hostname check
// is delegated to the verifier hook so callers can accept other names.
func (conf *Config) clientTLSConfig(domain string) (*tls.Config, error) {
	roots, err := conf.rootCAs()
	if err != nil {
		return nil, err
	}
	var tc *tls.Config
	if conf.TLSConfig != nil {
		tc = conf.TLSConfig.Clone()
	} else {
		tc = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if tc.ServerName == "" {
		tc.ServerName = domain
	}
	if roots != nil {
		tc.RootCAs = roots
	}
	verifyHost := conf.HostnameVerifier
	if verifyHost == nil {
		verifyHost = defaultHostnameVerifier
	}
	if conf.HostnameVerifierDisabled {
		verifyHost = func(string, *x509.Certificate) error { return nil }
	}
	rootPool := tc.RootCAs
	tc.InsecureSkipVerify = true
	tc.VerifyConnection = func(cs tls.ConnectionState) error {
		if len(cs.PeerCertificates) == 0 {
			return &SecurityError{Host: domain, Err: errNoPeerCertificate}
		}
		opts := x509.VerifyOptions{
			Roots:         rootPool,
			Intermediates: x509.NewCertPool(),
		}
		for _, cert := range cs.PeerCertificates[1:] {
			opts.Intermediates.AddCert(cert)
		}
		if _, err := cs.PeerCertificates[0].Verify(opts); err != nil {
			return &SecurityError{Host: domain, Err: err}
		}
		if err := verifyHost(domain, cs.PeerCertificates[0]); err != nil {
			return &SecurityError{Host: domain, Err: err}
		}
		return nil
	}
	return tc, nil
}

func defaultHostnameVerifier(domain string, cert *x509.Certificate) error {
	return cert.VerifyHostname(domain)
}

// isSecurityError reports handshake failures caused by verification rather
// than transport.
func isSecurityError(err error) bool {
	var serr *SecurityError
	if errors.As(err, &serr) {
		return true
	}
	var uerr x509.UnknownAuthorityError
	var herr x509.HostnameError
	var cerr x509.CertificateInvalidError
	return errors.As(err, &uerr) || errors.As(err, &herr) || errors.As(err, &cerr)
}
