package serialport

import (
	"fmt"

	"go.bug.st/serial"
)

// SystemFactory opens real serial ports through go.bug.st/serial.
type SystemFactory struct{}

// Open opens the serial port at path with the given options applied.
func (SystemFactory) Open(path string, opts Options) (TimeoutPorter, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", path, err)
	}

	return port, nil
}

// ListPorts returns the device paths of all serial ports known to the host.
// On Windows these are COM names, on Unix they are /dev entries.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate serial ports: %w", err)
	}
	return ports, nil
}
