package serialmux

import (
	"errors"
	"fmt"
	"syscall"

	"go.bug.st/serial"
)

var (
	ErrNotOpen           = errors.New("serialmux: channel not open")
	ErrChannelClosed     = errors.New("serialmux: channel closed")
	ErrNotInitialized    = errors.New("serialmux: reactor not initialized")
	ErrAlreadyRegistered = errors.New("serialmux: channel already registered")
	ErrReactorClosed     = errors.New("serialmux: reactor closed")
	ErrWriteFailed       = errors.New("serialmux: failed to write to serial port")
)

// OSError reports a failed operation on a serial port or the reactor.
type OSError struct {
	Op   string // open, configure, register, read, write, close
	Port string
	Err  error
}

func (e *OSError) Error() string {
	if e.Port == "" {
		return fmt.Sprintf("serialmux: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("serialmux: %s %s: %v", e.Op, e.Port, e.Err)
}

func (e *OSError) Unwrap() error { return e.Err }

// Code returns the native error code of the cause: the errno for system call
// failures or the serial.PortErrorCode for go.bug.st/serial errors. It is -1
// when the cause carries no code.
func (e *OSError) Code() int {
	var errno syscall.Errno
	if errors.As(e.Err, &errno) {
		return int(errno)
	}
	var perr *serial.PortError
	if errors.As(e.Err, &perr) {
		return int(perr.Code())
	}
	return -1
}
