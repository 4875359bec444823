package jaxmpp

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/jackal-xmpp/stravaganza/v2"
)

// DefaultMaxStanzaSize bounds a single framed fragment.
const DefaultMaxStanzaSize = 1024 * 1024 * 2

type FrameKind int

const (
	// FrameElement is one complete top level element.
	FrameElement FrameKind = iota
	// FrameHeader is a stream opening, <stream:stream> or framing <open/>.
	FrameHeader
	// FrameClose is a stream closing, </stream:stream> or framing <close/>.
	FrameClose
)

func (k FrameKind) String() string {
	return [...]string{"element", "header", "close"}[k]
}

type Frame struct {
	Kind FrameKind
	// Element is nil for </stream:stream>.
	Element stravaganza.Element
}

type scanKind int

const (
	scanSkip scanKind = iota
	scanFragment
	scanHeader
	scanClose
)

type markupKind int

const (
	markupStart markupKind = iota
	markupEnd
	markupOther
)

// Framer splits a byte stream into stream headers, top level elements and
// stream closings. It tolerates markup split across reads and drops
// whitespace between top level elements.
type Framer struct {
	r     *bufio.Reader
	max   int
	buf   bytes.Buffer
	names []string
	err   error
}

func NewFramer(r io.Reader, maxStanzaSize int) *Framer {
	if maxStanzaSize <= 0 {
		maxStanzaSize = DefaultMaxStanzaSize
	}
	return &Framer{r: bufio.NewReader(r), max: maxStanzaSize}
}

// Next returns the next frame. A *ParseError leaves the framer usable;
// any other error is permanent and returned by every later call. io.EOF
// is only returned between fragments.
func (f *Framer) Next() (Frame, error) {
	if f.err != nil {
		return Frame{}, f.err
	}
	for {
		frag, kind, name, err := f.scan()
		if err != nil {
			f.err = err
			return Frame{}, err
		}
		switch kind {
		case scanSkip:
			continue
		case scanClose:
			return Frame{Kind: FrameClose}, nil
		case scanHeader:
			elems, err := parseFragment(frag, "</"+name+">")
			if err != nil || len(elems) != 1 {
				return Frame{}, newParseError(frag, err)
			}
			return Frame{Kind: FrameHeader, Element: elems[0]}, nil
		}
		elems, err := parseFragment(frag, "")
		if err != nil || len(elems) != 1 {
			return Frame{}, newParseError(frag, err)
		}
		elem := elems[0]
		switch {
		case hasNamespace(elem, "open", NSFraming):
			return Frame{Kind: FrameHeader, Element: elem}, nil
		case hasNamespace(elem, "close", NSFraming):
			return Frame{Kind: FrameClose, Element: elem}, nil
		}
		return Frame{Kind: FrameElement, Element: elem}, nil
	}
}

func newParseError(frag []byte, err error) *ParseError {
	if err == nil {
		err = errors.New("fragment holds no single element")
	}
	return &ParseError{Fragment: string(frag), Err: err}
}

func (f *Framer) scan() ([]byte, scanKind, string, error) {
	f.buf.Reset()
	f.names = f.names[:0]

	// top level character data is never significant
	for {
		b, err := f.r.ReadByte()
		if err != nil {
			return nil, scanSkip, "", err
		}
		if b == '<' {
			break
		}
	}
	if err := f.put('<'); err != nil {
		return nil, scanSkip, "", err
	}
	for {
		kind, name, selfClosing, err := f.readMarkup()
		if err != nil {
			return nil, scanSkip, "", unexpected(err)
		}
		depth := len(f.names)
		switch kind {
		case markupOther:
			if depth == 0 {
				return nil, scanSkip, "", nil
			}
		case markupEnd:
			if depth == 0 {
				return nil, scanClose, name, nil
			}
			f.popTo(name)
		case markupStart:
			if depth == 0 && isStreamName(name) {
				return f.buf.Bytes(), scanHeader, name, nil
			}
			if !selfClosing {
				f.names = append(f.names, name)
			}
		}
		if len(f.names) == 0 {
			return f.buf.Bytes(), scanFragment, "", nil
		}
		if err := f.readText(); err != nil {
			return nil, scanSkip, "", unexpected(err)
		}
	}
}

// popTo closes name. An end tag not matching the innermost open element
// still terminates it so a broken fragment cannot swallow the stream; the
// decoder then reports the fragment as malformed.
func (f *Framer) popTo(name string) {
	for i := len(f.names) - 1; i >= 0; i-- {
		if f.names[i] == name {
			f.names = f.names[:i]
			return
		}
	}
	f.names = f.names[:len(f.names)-1]
}

func (f *Framer) put(b byte) error {
	if f.buf.Len() >= f.max {
		return ErrTooLargeStanza
	}
	return f.buf.WriteByte(b)
}

func (f *Framer) readText() error {
	for {
		b, err := f.r.ReadByte()
		if err != nil {
			return err
		}
		if err := f.put(b); err != nil {
			return err
		}
		if b == '<' {
			return nil
		}
	}
}

// readMarkup consumes the markup following an already consumed '<'.
func (f *Framer) readMarkup() (markupKind, string, bool, error) {
	b, err := f.r.ReadByte()
	if err != nil {
		return markupOther, "", false, err
	}
	if err := f.put(b); err != nil {
		return markupOther, "", false, err
	}
	switch b {
	case '?':
		return markupOther, "", false, f.readUntil("?>")
	case '!':
		return markupOther, "", false, f.readDeclaration()
	case '/':
		tag, err := f.readTag()
		if err != nil {
			return markupEnd, "", false, err
		}
		return markupEnd, strings.TrimSpace(strings.TrimSuffix(tag, ">")), false, nil
	}
	tag, err := f.readTag()
	if err != nil {
		return markupStart, "", false, err
	}
	tag = string(b) + tag
	body := strings.TrimRight(strings.TrimSuffix(tag, ">"), " \t\r\n")
	selfClosing := strings.HasSuffix(body, "/")
	name := strings.TrimSuffix(body, "/")
	if i := strings.IndexAny(name, " \t\r\n"); i >= 0 {
		name = name[:i]
	}
	return markupStart, name, selfClosing, nil
}

// readTag reads up to and including the '>' closing a tag, skipping '>'
// inside quoted attribute values.
func (f *Framer) readTag() (string, error) {
	var (
		tag   strings.Builder
		quote byte
	)
	for {
		b, err := f.r.ReadByte()
		if err != nil {
			return "", err
		}
		if err := f.put(b); err != nil {
			return "", err
		}
		tag.WriteByte(b)
		switch {
		case quote != 0:
			if b == quote {
				quote = 0
			}
		case b == '"' || b == '\'':
			quote = b
		case b == '>':
			return tag.String(), nil
		}
	}
}

func (f *Framer) readDeclaration() error {
	peek, err := f.r.Peek(2)
	if err == nil && string(peek) == "--" {
		return f.readUntil("-->")
	}
	peek, err = f.r.Peek(7)
	if err == nil && string(peek) == "[CDATA[" {
		return f.readUntil("]]>")
	}
	_, err = f.readTag()
	return err
}

func (f *Framer) readUntil(end string) error {
	start := f.buf.Len()
	for {
		b, err := f.r.ReadByte()
		if err != nil {
			return err
		}
		if err := f.put(b); err != nil {
			return err
		}
		if f.buf.Len()-start >= len(end) && bytes.HasSuffix(f.buf.Bytes(), []byte(end)) {
			return nil
		}
	}
}

func isStreamName(name string) bool {
	return name == "stream" || strings.HasSuffix(name, ":stream")
}

func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// ParseFrames frames a complete buffer such as one WebSocket message.
// Malformed fragments are reported through the returned slice of parse
// errors and do not stop framing.
func ParseFrames(data []byte, maxStanzaSize int) ([]Frame, []*ParseError, error) {
	f := NewFramer(bytes.NewReader(data), maxStanzaSize)
	var (
		frames []Frame
		perrs  []*ParseError
	)
	for {
		frame, err := f.Next()
		if errors.Is(err, io.EOF) {
			return frames, perrs, nil
		}
		var perr *ParseError
		if errors.As(err, &perr) {
			perrs = append(perrs, perr)
			continue
		}
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				perrs = append(perrs, &ParseError{Fragment: string(data), Err: err})
				return frames, perrs, nil
			}
			return frames, perrs, fmt.Errorf("framing message: %w", err)
		}
		frames = append(frames, frame)
	}
}
