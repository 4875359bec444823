package jaxmpp

import (
	"io"
	"sync"

	"github.com/klauspost/compress/zlib"
)

type BuildCompressor func(io.ReadWriter) Compressor

type Compressor interface {
	io.ReadWriter
	io.Closer
}

// CompZlib is one zlib stream in each direction over rw. Every Write is
// sync flushed so the peer can decode each stanza as soon as it arrives.
type CompZlib struct {
	rw io.ReadWriter

	wmt sync.Mutex
	zw  *zlib.Writer

	rmt sync.Mutex
	zr  io.ReadCloser
}

func NewCompZlib(rw io.ReadWriter) Compressor {
	return &CompZlib{rw: rw}
}

func (comp *CompZlib) Write(b []byte) (int, error) {
	comp.wmt.Lock()
	defer comp.wmt.Unlock()
	if comp.zw == nil {
		comp.zw = zlib.NewWriter(comp.rw)
	}
	n, err := comp.zw.Write(b)
	if err != nil {
		return n, err
	}
	return n, comp.zw.Flush()
}

// Read creates the inflater on first use; the zlib header is only
// available once the peer has started compressing.
func (comp *CompZlib) Read(b []byte) (int, error) {
	comp.rmt.Lock()
	defer comp.rmt.Unlock()
	if comp.zr == nil {
		zr, err := zlib.NewReader(comp.rw)
		if err != nil {
			return 0, err
		}
		comp.zr = zr
	}
	return comp.zr.Read(b)
}

// Close finishes both directions without closing rw.
func (comp *CompZlib) Close() error {
	comp.wmt.Lock()
	var err error
	if comp.zw != nil {
		err = comp.zw.Close()
	}
	comp.wmt.Unlock()
	comp.rmt.Lock()
	if comp.zr != nil {
		comp.zr.Close()
	}
	comp.rmt.Unlock()
	return err
}
