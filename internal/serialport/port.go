// Package serialport abstracts a byte-oriented serial endpoint so the echo
// responder and the probe harness can run against real hardware or an
// in-memory simulated link without code changes.
package serialport

import (
	"io"
	"time"
)

// Porter defines the minimal interface needed for a serial port.
// This abstraction enables unit testing without real serial hardware.
type Porter interface {
	io.ReadWriter
	io.Closer
}

// TimeoutPorter extends Porter with a read timeout. Both the responder poll
// loop and the probe rely on bounded reads, so every port implementation in
// this module satisfies it.
type TimeoutPorter interface {
	Porter
	// SetReadTimeout sets the read timeout for the port. A zero or negative
	// timeout means reads block until data arrives.
	SetReadTimeout(timeout time.Duration) error
}

// Factory defines an interface for opening serial ports. It exists so the
// daemons can be handed a mock factory in tests and dev mode.
type Factory interface {
	// Open opens a serial port at the specified path with the given options.
	Open(path string, opts Options) (TimeoutPorter, error)
}
