// Package fakeport provides a scripted byte port for protocol tests.
package fakeport

import (
	"bytes"
	"sync"
	"time"
)

// Port replays scripted input and records every Write separately. A Read
// on an exhausted script returns 0, nil, as a serial read that timed out.
type Port struct {
	mu       sync.Mutex
	outgoing []byte
	incoming [][]byte
	timeout  time.Duration
	timeouts []time.Duration
	closed   bool

	// OnWrite, if set, is called after each Write with the written bytes and
	// may append replies with Feed.
	OnWrite func(p *Port, data []byte)
}

// New creates a port that will return script to readers.
func New(script []byte) *Port {
	return &Port{outgoing: bytes.Clone(script), timeout: -1}
}

// Read implements io.Reader.
func (p *Port) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := copy(b, p.outgoing)
	p.outgoing = p.outgoing[n:]
	return n, nil
}

// Write implements io.Writer.
func (p *Port) Write(b []byte) (int, error) {
	p.mu.Lock()
	p.incoming = append(p.incoming, bytes.Clone(b))
	hook := p.OnWrite
	p.mu.Unlock()
	if hook != nil {
		hook(p, b)
	}
	return len(b), nil
}

// Feed appends bytes for readers.
func (p *Port) Feed(b ...byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outgoing = append(p.outgoing, b...)
}

// Writes returns every Write call in order.
func (p *Port) Writes() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.incoming))
	copy(out, p.incoming)
	return out
}

// Unread returns the number of scripted bytes nobody read.
func (p *Port) Unread() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.outgoing)
}

// ReadTimeout returns the last timeout set.
func (p *Port) ReadTimeout() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timeout
}

// SetReadTimeout records d.
func (p *Port) SetReadTimeout(d time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timeout = d
	p.timeouts = append(p.timeouts, d)
	return nil
}

// Timeouts returns every timeout that was set, in order.
func (p *Port) Timeouts() []time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]time.Duration(nil), p.timeouts...)
}

// Close marks the port closed.
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
