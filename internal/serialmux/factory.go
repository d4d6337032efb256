package serialmux

import (
	"go.bug.st/serial"
)

// SerialPortFactory opens real serial ports with go.bug.st/serial.
type SerialPortFactory struct{}

func (SerialPortFactory) Open(path string, opts PortOptions) (SerialPorter, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, err
	}
	return port, nil
}

// ListPorts returns the names of serial ports present on the system.
func ListPorts() ([]string, error) {
	return serial.GetPortsList()
}
