package serialmux

import (
	"bytes"
	"errors"
	"sync"
)

var errPortClosed = errors.New("serial port closed")

// TestablePort implements SerialPorter and the optional port extensions
// with configurable behaviour for testing. Reads block until data is added
// or the port is closed.
type TestablePort struct {
	mu       sync.Mutex
	readCond *sync.Cond

	// ReadBuffer holds data to be returned by Read calls
	ReadBuffer *bytes.Buffer

	// Writes records each Write call's data
	Writes [][]byte

	// ReadError is returned by the next Read call if set
	ReadError error

	// WriteError is returned by the next Write call if set
	WriteError error

	// ShortWrite limits each Write to this many bytes when positive
	ShortWrite int

	// ConfigureError is returned by SetDTR if set
	ConfigureError error

	// CloseError is returned by Close if set
	CloseError error

	// HoldWrites blocks Write until ReleaseWrite is called
	HoldWrites bool
	release    chan struct{}

	// ReportQueued makes InputQueued report the buffered byte count
	ReportQueued bool

	Closed      bool
	CloseCalls  int
	ReadCalls   int
	WriteCalls  int
	ReadSizes   []int
	DTR, RTS    bool
	ResetCalls  int
	activeWrite int
	maxWrites   int
}

func NewTestablePort() *TestablePort {
	p := &TestablePort{
		ReadBuffer: bytes.NewBuffer(nil),
		release:    make(chan struct{}, 64),
	}
	p.readCond = sync.NewCond(&p.mu)
	return p
}

func (p *TestablePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.ReadCalls++
	p.ReadSizes = append(p.ReadSizes, len(b))
	for !p.Closed && p.ReadError == nil && p.ReadBuffer.Len() == 0 {
		p.readCond.Wait()
	}
	if p.ReadError != nil {
		err := p.ReadError
		p.ReadError = nil
		return 0, err
	}
	if p.Closed {
		return 0, errPortClosed
	}
	return p.ReadBuffer.Read(b)
}

func (p *TestablePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	p.WriteCalls++
	p.activeWrite++
	if p.activeWrite > p.maxWrites {
		p.maxWrites = p.activeWrite
	}
	hold := p.HoldWrites
	p.mu.Unlock()

	if hold {
		<-p.release
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.activeWrite--

	if p.Closed {
		return 0, errPortClosed
	}
	if p.WriteError != nil {
		err := p.WriteError
		p.WriteError = nil
		return 0, err
	}
	n := len(b)
	if p.ShortWrite > 0 && n > p.ShortWrite {
		n = p.ShortWrite
	}
	p.Writes = append(p.Writes, bytes.Clone(b[:n]))
	return n, nil
}

// ReleaseWrite lets one held Write proceed.
func (p *TestablePort) ReleaseWrite() { p.release <- struct{}{} }

func (p *TestablePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Closed = true
	p.CloseCalls++
	p.readCond.Broadcast()
	return p.CloseError
}

func (p *TestablePort) InputQueued() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.ReportQueued {
		return 0, nil
	}
	return p.ReadBuffer.Len(), nil
}

func (p *TestablePort) ResetInputBuffer() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ResetCalls++
	p.ReadBuffer.Reset()
	return nil
}

func (p *TestablePort) ResetOutputBuffer() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ResetCalls++
	return nil
}

func (p *TestablePort) SetDTR(v bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ConfigureError != nil {
		return p.ConfigureError
	}
	p.DTR = v
	return nil
}

func (p *TestablePort) SetRTS(v bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.RTS = v
	return nil
}

// AddReadData adds data to be returned by subsequent Read calls.
func (p *TestablePort) AddReadData(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ReadBuffer.Write(data)
	p.readCond.Broadcast()
}

// FailRead makes the pending or next Read return err.
func (p *TestablePort) FailRead(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ReadError = err
	p.readCond.Broadcast()
}

// Written returns the concatenation of all writes.
func (p *TestablePort) Written() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return bytes.Join(p.Writes, nil)
}

// WriteCount returns the number of Write calls so far.
func (p *TestablePort) WriteCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.WriteCalls
}

// MaxConcurrentWrites reports the most Write calls that were ever in
// progress at once.
func (p *TestablePort) MaxConcurrentWrites() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxWrites
}

// IsClosed reports whether Close was called.
func (p *TestablePort) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Closed
}

// MockPortFactory implements PortFactory for testing.
type MockPortFactory struct {
	mu sync.Mutex

	// Port is the port to return from Open
	Port SerialPorter

	// Error is returned by Open if set
	Error error

	// OpenCalls records all Open calls
	OpenCalls []MockOpenCall
}

// MockOpenCall records details of an Open call.
type MockOpenCall struct {
	Path string
	Opts PortOptions
}

func NewMockPortFactory(port SerialPorter) *MockPortFactory {
	return &MockPortFactory{Port: port}
}

func (f *MockPortFactory) Open(path string, opts PortOptions) (SerialPorter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.OpenCalls = append(f.OpenCalls, MockOpenCall{Path: path, Opts: opts})
	if f.Error != nil {
		return nil, f.Error
	}
	return f.Port, nil
}

// LastCall returns the most recent Open call, or nil if none.
func (f *MockPortFactory) LastCall() *MockOpenCall {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.OpenCalls) == 0 {
		return nil
	}
	return &f.OpenCalls[len(f.OpenCalls)-1]
}

// ReadRequests returns the buffer size of each Read call so far.
func (p *TestablePort) ReadRequests() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.ReadSizes...)
}
