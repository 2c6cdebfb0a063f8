package serialport

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"time"
)

// ErrPortClosed is returned for operations on a closed simulated port.
var ErrPortClosed = errors.New("serial port closed")

// simBuffer is one direction of a simulated serial link. Writes append to the
// buffer; reads drain it, blocking until data arrives, the buffer is closed,
// or the read timeout expires.
type simBuffer struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
	notify chan struct{}
}

func newSimBuffer() *simBuffer {
	return &simBuffer{notify: make(chan struct{}, 1)}
}

func (b *simBuffer) wake() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// read drains up to len(p) bytes. A timeout <= 0 blocks until data arrives or
// the buffer closes. On timeout it returns (0, nil), matching the behaviour
// of go.bug.st/serial ports.
func (b *simBuffer) read(p []byte, timeout time.Duration) (int, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	for {
		b.mu.Lock()
		if b.buf.Len() > 0 {
			n, _ := b.buf.Read(p)
			b.mu.Unlock()
			return n, nil
		}
		closed := b.closed
		b.mu.Unlock()
		if closed {
			return 0, io.EOF
		}

		select {
		case <-b.notify:
		case <-expired:
			return 0, nil
		}
	}
}

func (b *simBuffer) write(p []byte) (int, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0, ErrPortClosed
	}
	n, err := b.buf.Write(p)
	b.mu.Unlock()
	b.wake()
	return n, err
}

func (b *simBuffer) close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.wake()
}

// SimPort is one endpoint of an in-memory full-duplex serial link. It stands
// in for a physical port in tests and in dev mode, so the responder and the
// probe can exercise the full wire contract without hardware.
type SimPort struct {
	recv *simBuffer // bytes written by the peer, read by this end
	send *simBuffer // bytes written by this end, read by the peer

	mu          sync.Mutex
	readTimeout time.Duration
	closed      bool

	// ReadErr and WriteErr, when set, are returned by the next Read or
	// Write call and then cleared. Used to exercise failure paths.
	ReadErr  error
	WriteErr error
}

// NewLink creates a connected pair of simulated ports. Bytes written to one
// end become readable on the other, in order, with no framing.
func NewLink() (host, device *SimPort) {
	hostToDevice := newSimBuffer()
	deviceToHost := newSimBuffer()
	host = &SimPort{recv: deviceToHost, send: hostToDevice}
	device = &SimPort{recv: hostToDevice, send: deviceToHost}
	return host, device
}

// Read drains pending bytes from the peer, honouring the configured read
// timeout. A timed-out read returns (0, nil).
func (p *SimPort) Read(buf []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrPortClosed
	}
	if p.ReadErr != nil {
		err := p.ReadErr
		p.ReadErr = nil
		p.mu.Unlock()
		return 0, err
	}
	timeout := p.readTimeout
	p.mu.Unlock()

	return p.recv.read(buf, timeout)
}

// Write queues bytes for the peer to read.
func (p *SimPort) Write(buf []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrPortClosed
	}
	if p.WriteErr != nil {
		err := p.WriteErr
		p.WriteErr = nil
		p.mu.Unlock()
		return 0, err
	}
	p.mu.Unlock()

	return p.send.write(buf)
}

// Close shuts this end of the link. The peer observes EOF once it has
// drained any bytes already in flight.
func (p *SimPort) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.send.close()
	p.recv.close()
	return nil
}

// SetReadTimeout implements TimeoutPorter.
func (p *SimPort) SetReadTimeout(timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readTimeout = timeout
	return nil
}

// MockFactory implements Factory for testing, returning a preconfigured port
// and recording every Open call.
type MockFactory struct {
	mu sync.Mutex

	// Port is the port returned from Open.
	Port TimeoutPorter

	// Err is returned by Open if set.
	Err error

	// OpenCalls records all Open calls.
	OpenCalls []OpenCall
}

// OpenCall records details of an Open call.
type OpenCall struct {
	Path string
	Opts Options
}

// NewMockFactory creates a MockFactory that hands out the given port.
func NewMockFactory(port TimeoutPorter) *MockFactory {
	return &MockFactory{Port: port}
}

// Open returns the configured port or error.
func (f *MockFactory) Open(path string, opts Options) (TimeoutPorter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.OpenCalls = append(f.OpenCalls, OpenCall{Path: path, Opts: opts})

	if f.Err != nil {
		return nil, f.Err
	}
	return f.Port, nil
}

// LastCall returns the most recent Open call, or nil if none.
func (f *MockFactory) LastCall() *OpenCall {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.OpenCalls) == 0 {
		return nil
	}
	return &f.OpenCalls[len(f.OpenCalls)-1]
}
