package jaxmpp

import (
	"fmt"
	"strings"

	"github.com/jackal-xmpp/stravaganza/v2"
)

const (
	NSClient           = "jabber:client"
	NSStream           = "http://etherx.jabber.org/streams"
	NSStreams          = "urn:ietf:params:xml:ns:xmpp-streams"
	NSFraming          = "urn:ietf:params:xml:ns:xmpp-framing"
	NSTLS              = "urn:ietf:params:xml:ns:xmpp-tls"
	NSCompress         = "http://jabber.org/protocol/compress"
	NSCompressFeatures = "http://jabber.org/features/compress"
	NSHTTPBind         = "http://jabber.org/protocol/httpbind"
	NSXBosh            = "urn:xmpp:xbosh"

	streamVersion = "1.0"
	closeStream   = "</stream:stream>"
)

// StreamHeader describes the opening of a client stream.
type StreamHeader struct {
	From string
	To   string
	Lang string
	// Framing selects the RFC 7395 <open/> form instead of <stream:stream>.
	Framing bool
}

func (h StreamHeader) String() string {
	var b strings.Builder
	if h.Framing {
		b.WriteString("<open")
	} else {
		b.WriteString("<stream:stream")
	}
	if h.From != "" {
		fmt.Fprintf(&b, " from='%s'", escapeAttr(h.From))
	}
	if h.To != "" {
		fmt.Fprintf(&b, " to='%s'", escapeAttr(h.To))
	}
	if h.Lang != "" {
		fmt.Fprintf(&b, " xml:lang='%s'", escapeAttr(h.Lang))
	}
	if h.Framing {
		fmt.Fprintf(&b, " version='%s' xmlns='%s'/>", streamVersion, NSFraming)
		return b.String()
	}
	fmt.Fprintf(&b, " xmlns='%s' xmlns:stream='%s' version='%s'>", NSClient, NSStream, streamVersion)
	return b.String()
}

// streamCloser returns the terminator matching the header form.
func streamCloser(framing bool) string {
	if framing {
		return fmt.Sprintf("<close xmlns='%s'/>", NSFraming)
	}
	return closeStream
}

var attrEscaper = strings.NewReplacer("&", "&amp;", "'", "&apos;", "\"", "&quot;", "<", "&lt;", ">", "&gt;")

func escapeAttr(s string) string {
	return attrEscaper.Replace(s)
}

func hasNamespace(elem stravaganza.Element, name, ns string) bool {
	return elem != nil && elem.Name() == name && elem.Attribute(stravaganza.Namespace) == ns
}

func isStreamFeatures(elem stravaganza.Element) bool {
	return hasNamespace(elem, "features", NSStream)
}

func starttlsElement() stravaganza.Element {
	return stravaganza.NewBuilder("starttls").WithAttribute(stravaganza.Namespace, NSTLS).Build()
}

func compressElement() stravaganza.Element {
	return stravaganza.NewBuilder("compress").
		WithAttribute(stravaganza.Namespace, NSCompress).
		WithChild(stravaganza.NewBuilder("method").WithText("zlib").Build()).
		Build()
}

// featureTLS reports whether the features advertise STARTTLS.
func featureTLS(features stravaganza.Element) bool {
	return features != nil && features.ChildNamespace("starttls", NSTLS) != nil
}

// featureZlib reports whether the features advertise zlib stream compression.
func featureZlib(features stravaganza.Element) bool {
	if features == nil {
		return false
	}
	comp := features.ChildNamespace("compression", NSCompressFeatures)
	if comp == nil {
		return false
	}
	for _, m := range comp.Children("method") {
		if strings.TrimSpace(m.Text()) == "zlib" {
			return true
		}
	}
	return false
}
