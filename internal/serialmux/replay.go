package serialmux

import (
	"errors"
	"io"
	"sync"
	"time"
)

// ReplayPort plays a recorded byte stream back as if it came from a serial
// port, so the full reactor path runs without hardware. Once the recording
// is exhausted reads block until Close, like an idle port. Writes are
// accepted and discarded.
type ReplayPort struct {
	r        io.Reader
	chunk    int
	interval time.Duration

	mu      sync.Mutex
	written int
	closed  chan struct{}
	once    sync.Once
}

// NewReplayPort reads up to chunk bytes from r every interval. A nil r
// yields a port that never produces data.
func NewReplayPort(r io.Reader, chunk int, interval time.Duration) *ReplayPort {
	if chunk <= 0 {
		chunk = ReadBufferSize
	}
	return &ReplayPort{r: r, chunk: chunk, interval: interval, closed: make(chan struct{})}
}

func (p *ReplayPort) Read(b []byte) (int, error) {
	if p.r == nil {
		<-p.closed
		return 0, io.EOF
	}
	if p.interval > 0 {
		select {
		case <-p.closed:
			return 0, io.EOF
		case <-time.After(p.interval):
		}
	}
	select {
	case <-p.closed:
		return 0, io.EOF
	default:
	}

	if len(b) > p.chunk {
		b = b[:p.chunk]
	}
	n, err := p.r.Read(b)
	if errors.Is(err, io.EOF) {
		err = nil
		if n == 0 {
			p.r = nil
			<-p.closed
			return 0, io.EOF
		}
	}
	return n, err
}

func (p *ReplayPort) Write(b []byte) (int, error) {
	select {
	case <-p.closed:
		return 0, io.ErrClosedPipe
	default:
	}
	p.mu.Lock()
	p.written += len(b)
	p.mu.Unlock()
	return len(b), nil
}

// Written reports the bytes accepted by Write.
func (p *ReplayPort) Written() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written
}

func (p *ReplayPort) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}
