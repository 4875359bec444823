package jaxmpp

import (
	"errors"
	"fmt"

	"github.com/jackal-xmpp/stravaganza/v2"
)

var (
	ErrAlreadyStarted          = errors.New("connector already started")
	ErrNotConnected            = errors.New("connector not connected")
	ErrNoHost                  = errors.New("no domain and no server host")
	ErrNoServiceURL            = errors.New("BOSH service URL not defined")
	ErrNoWebSocketURL          = errors.New("websocket service URL not defined")
	ErrNoReachableHost         = errors.New("no reachable host")
	ErrServiceUnavailable      = errors.New("xmpp-client service not available at domain")
	ErrTLSUnavailable          = errors.New("starttls unavailable")
	ErrCompressionUnavailable  = errors.New("zlib compression unavailable")
	ErrNegotiationInProgress   = errors.New("negotiation already in progress")
	ErrTooLargeStanza          = errors.New("framer: too large stanza")
	ErrRedirectToSameHost      = errors.New("redirect points to the current host")
	ErrUnexpectedStreamClosing = errors.New("stream closed by peer")
)

// ParseError is returned by Framer.Next for a fragment that is not
// well-formed. It is not fatal; the next call continues with the
// following fragment.
type ParseError struct {
	Fragment string
	Err      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("framer: malformed fragment: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// SecurityError reports a failed certificate or hostname verification.
type SecurityError struct {
	Host string
	Err  error
}

func (e *SecurityError) Error() string {
	return fmt.Sprintf("tls verification failed for %s: %v", e.Host, e.Err)
}

func (e *SecurityError) Unwrap() error {
	return e.Err
}

type StreamErrorCondition string

const (
	BadFormat              = StreamErrorCondition("bad-format")
	BadNamespacePrefix     = StreamErrorCondition("bad-namespace-prefix")
	Conflict               = StreamErrorCondition("conflict")
	ConnectionTimeout      = StreamErrorCondition("connection-timeout")
	HostGone               = StreamErrorCondition("host-gone")
	HostUnknown            = StreamErrorCondition("host-unknown")
	ImproperAddressing     = StreamErrorCondition("improper-addressing")
	InternalServerError    = StreamErrorCondition("internal-server-error")
	InvalidFrom            = StreamErrorCondition("invalid-from")
	InvalidNamespace       = StreamErrorCondition("invalid-namespace")
	InvalidXML             = StreamErrorCondition("invalid-xml")
	NotAuthorized          = StreamErrorCondition("not-authorized")
	NotWellFormed          = StreamErrorCondition("not-well-formed")
	PolicyViolation        = StreamErrorCondition("policy-violation")
	RemoteConnectionFailed = StreamErrorCondition("remote-connection-failed")
	Reset                  = StreamErrorCondition("reset")
	ResourceConstraint     = StreamErrorCondition("resource-constraint")
	RestrictedXML          = StreamErrorCondition("restricted-xml")
	SeeOtherHost           = StreamErrorCondition("see-other-host")
	SystemShutdown         = StreamErrorCondition("system-shutdown")
	UndefinedCondition     = StreamErrorCondition("undefined-condition")
	UnsupportedEncoding    = StreamErrorCondition("unsupported-encoding")
	UnsupportedFeature     = StreamErrorCondition("unsupported-feature")
	UnsupportedStanzaType  = StreamErrorCondition("unsupported-stanza-type")
	UnsupportedVersion     = StreamErrorCondition("unsupported-version")
)

// StreamError is a <stream:error/> received from the server.
type StreamError struct {
	Condition StreamErrorCondition
	Text      string
	// Target is the see-other-host element text.
	Target string
}

func (e *StreamError) Error() string {
	if e.Text != "" {
		return fmt.Sprintf("stream error %s: %s", e.Condition, e.Text)
	}
	return fmt.Sprintf("stream error %s", e.Condition)
}

// ParseStreamError reads the condition out of a stream error element.
// Unknown or missing conditions map to undefined-condition.
func ParseStreamError(elem stravaganza.Element) *StreamError {
	serr := &StreamError{Condition: UndefinedCondition}
	for _, child := range elem.AllChildren() {
		if child.Attribute(stravaganza.Namespace) != NSStreams {
			continue
		}
		if child.Name() == "text" {
			serr.Text = child.Text()
			continue
		}
		serr.Condition = StreamErrorCondition(child.Name())
		if serr.Condition == SeeOtherHost {
			serr.Target = child.Text()
		}
	}
	return serr
}

func isStreamError(elem stravaganza.Element) bool {
	return elem.Name() == "error" && elem.Attribute(stravaganza.Namespace) == NSStream
}
