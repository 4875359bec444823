package jaxmpp

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/jackal-xmpp/stravaganza/v2"
)

const rootElementIndex = -1

const xmlURL = "http://www.w3.org/XML/1998/namespace"

// Fragments are decoded inside a synthetic root declaring the stream
// namespaces, so stream: prefixed children resolve without the header.
var (
	fragmentOpen  = []byte("<root xmlns='" + NSClient + "' xmlns:stream='" + NSStream + "'>")
	fragmentClose = []byte("</root>")
)

// parser builds stravaganza elements out of one framed fragment. Only the
// children of the synthetic root are returned.
type parser struct {
	dec    *xml.Decoder
	stack  []*stravaganza.Builder
	spaces []string
	texts  []*strings.Builder
	pIndex int
	depth  int
	result []stravaganza.Element
}

// parseFragment decodes the elements in data. closing, when not empty, is
// appended before the root closes and completes an unterminated root such
// as a stream header.
func parseFragment(data []byte, closing string) ([]stravaganza.Element, error) {
	r := io.MultiReader(
		bytes.NewReader(fragmentOpen),
		bytes.NewReader(data),
		strings.NewReader(closing),
		bytes.NewReader(fragmentClose),
	)
	p := &parser{dec: xml.NewDecoder(r), pIndex: rootElementIndex}
	if err := p.run(); err != nil {
		return nil, err
	}
	return p.result, nil
}

// ParseElements decodes a buffer holding zero or more complete top level
// elements, such as a WebSocket message.
func ParseElements(data []byte) ([]stravaganza.Element, error) {
	return parseFragment(data, "")
}

func (p *parser) run() error {
	for {
		t, err := p.dec.Token()
		if errors.Is(err, io.EOF) {
			if p.depth != 0 {
				return io.ErrUnexpectedEOF
			}
			return nil
		}
		if err != nil {
			return err
		}
		switch t1 := t.(type) {
		case xml.StartElement:
			p.depth++
			if p.depth == 1 {
				continue
			}
			p.startElement(t1)
		case xml.CharData:
			if p.pIndex != rootElementIndex {
				p.texts[p.pIndex].Write(t1)
			}
		case xml.EndElement:
			p.depth--
			if p.depth == 0 {
				continue
			}
			if err := p.endElement(t1); err != nil {
				return err
			}
		}
	}
}

func (p *parser) parentSpace() string {
	if p.pIndex == rootElementIndex {
		return NSClient
	}
	return p.spaces[p.pIndex]
}

func (p *parser) startElement(t xml.StartElement) {
	hasXmlns := false
	var attrs []stravaganza.Attribute
	for _, a := range t.Attr {
		label := xmlName(a.Name.Space, a.Name.Local)
		if label == stravaganza.Namespace {
			hasXmlns = true
		}
		attrs = append(attrs, stravaganza.Attribute{Label: label, Value: a.Value})
	}
	if !hasXmlns && t.Name.Space != "" && t.Name.Space != p.parentSpace() {
		attrs = append([]stravaganza.Attribute{{Label: stravaganza.Namespace, Value: t.Name.Space}}, attrs...)
	}
	builder := stravaganza.NewBuilder(t.Name.Local).WithAttributes(attrs...)
	p.stack = append(p.stack, builder)
	p.spaces = append(p.spaces, t.Name.Space)
	p.texts = append(p.texts, &strings.Builder{})
	p.pIndex = len(p.stack) - 1
}

func (p *parser) endElement(t xml.EndElement) error {
	if p.pIndex == rootElementIndex {
		return errUnexpectedEnd(t.Name.Local)
	}
	builder := p.stack[p.pIndex]
	if text := p.texts[p.pIndex].String(); strings.TrimSpace(text) != "" {
		builder = builder.WithText(text)
	}
	p.stack = p.stack[:p.pIndex]
	p.spaces = p.spaces[:p.pIndex]
	p.texts = p.texts[:p.pIndex]

	element := builder.Build()
	if t.Name.Local != element.Name() {
		return errUnexpectedEnd(t.Name.Local)
	}
	p.pIndex = len(p.stack) - 1
	if p.pIndex == rootElementIndex {
		p.result = append(p.result, element)
	} else {
		p.stack[p.pIndex] = p.stack[p.pIndex].WithChild(element)
	}
	return nil
}

func xmlName(space, local string) string {
	switch space {
	case "":
		return local
	case "xmlns":
		return "xmlns:" + local
	case xmlURL:
		return "xml:" + local
	case NSXBosh:
		return "xmpp:" + local
	}
	return local
}

func errUnexpectedEnd(name string) error {
	return fmt.Errorf("parser: unexpected end element </%s>", name)
}
