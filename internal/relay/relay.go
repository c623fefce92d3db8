// Package relay provides the paired-close and byte-pump primitives shared
// by the local gateway's client<->uplink stitch and the remote server's
// client<->target stitch.
package relay

import (
	"io"
	"net"
	"sync"
)

// halfCloser is implemented by net.Conn types that support shutting down
// only the write half (e.g. *net.TCPConn). Pump uses it to signal EOF to
// the destination without tearing down the whole connection, the same
// graceful-shutdown trick the rest of the pack's relay code uses.
type halfCloser interface {
	CloseWrite() error
}

// Pump copies src to dst in fixed-size chunks until src returns EOF or
// either side errors. When the read side ends (EOF or a read error) it
// half-closes dst's write side if it supports it; a write error is returned
// at once, without a half-close.
// Each chunk read from src is passed through transform before being written
// (transform may be nil to copy verbatim), and onBytes, if non-nil, is
// called with the length of every chunk actually written — this is the hook
// both the gateway and the remote server use to run bytes through their
// per-session cipher and into their byte-relayed metrics as they flow, one
// chunk at a time, rather than only at the end.
func Pump(dst io.Writer, src io.Reader, transform func([]byte) []byte, onBytes func(int)) error {
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			out := buf[:n]
			if transform != nil {
				out = transform(out)
			}
			if len(out) > 0 {
				if _, werr := dst.Write(out); werr != nil {
					return werr
				}
				if onBytes != nil {
					onBytes(len(out))
				}
			}
		}
		if err != nil {
			if hc, ok := dst.(halfCloser); ok {
				_ = hc.CloseWrite()
			}
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

// Bidirectional runs Pump in both directions between a and b, verbatim, and
// blocks until both directions have finished. It applies no per-chunk
// transform; the gateway and remote sessions do not use it, since their
// relays encrypt or decrypt every chunk and call Pump directly.
func Bidirectional(a, b io.ReadWriter) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		Pump(b, a, nil, nil)
	}()
	go func() {
		defer wg.Done()
		Pump(a, b, nil, nil)
	}()

	wg.Wait()
}

// PairedCloser links two net.Conn values so that closing one, through
// Close, also closes the other exactly once. It models the "weak
// back-reference" cleanup shape: each side can independently trigger
// teardown, and the second trigger is a no-op.
type PairedCloser struct {
	once sync.Once
	a, b net.Conn
}

// NewPairedCloser links a and b for idempotent paired teardown.
func NewPairedCloser(a, b net.Conn) *PairedCloser {
	return &PairedCloser{a: a, b: b}
}

// Close tears down both sides. Safe to call multiple times, from multiple
// goroutines, and from either side of the pair.
func (p *PairedCloser) Close() error {
	var err error
	p.once.Do(func() {
		if p.a != nil {
			if cerr := p.a.Close(); cerr != nil {
				err = cerr
			}
		}
		if p.b != nil {
			if cerr := p.b.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
	})
	return err
}
