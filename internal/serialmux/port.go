package serialmux

import (
	"io"
)

// SerialPorter defines the minimal interface needed for a serial port.
// This abstraction enables unit testing without real serial hardware.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// InputQueuer is implemented by ports that can report how many received
// bytes are waiting in the driver. Reads are sized to that count. Only
// TestablePort implements it; go.bug.st/serial and replay ports do not, so
// their reads always ask for the full buffer.
type InputQueuer interface {
	InputQueued() (int, error)
}

// BufferResetter is implemented by ports that can purge driver buffers.
// go.bug.st/serial ports implement it.
type BufferResetter interface {
	ResetInputBuffer() error
	ResetOutputBuffer() error
}

// LineController is implemented by ports with modem control lines.
// go.bug.st/serial ports implement it.
type LineController interface {
	SetDTR(dtr bool) error
	SetRTS(rts bool) error
}

// PortFactory opens serial ports. Channels take one so tests can substitute
// in-memory ports.
type PortFactory interface {
	Open(path string, opts PortOptions) (SerialPorter, error)
}

// PortFactoryFunc adapts a function to PortFactory.
type PortFactoryFunc func(path string, opts PortOptions) (SerialPorter, error)

func (f PortFactoryFunc) Open(path string, opts PortOptions) (SerialPorter, error) {
	return f(path, opts)
}
