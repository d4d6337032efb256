package serialmux

import (
	"bytes"
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"go.bug.st/serial"

	"github.com/banshee-data/mmwave/internal/monitoring"
)

// ReadBufferSize is the capacity of a channel's read buffer.
const ReadBufferSize = 4096

// maxReadErrors is how many consecutive failed reads a channel tolerates
// before it stops re-arming.
const maxReadErrors = 8

// Handler gives a Channel its personality. Both hooks run on the reactor's
// dispatch goroutine and must not block.
type Handler interface {
	// OnRead receives the bytes of one completed read. p is only valid for
	// the duration of the call.
	OnRead(p []byte)
	// OnWriteComplete runs after each queued write finishes.
	OnWriteComplete()
}

// NopHandler ignores reads and write completions.
type NopHandler struct{}

func (NopHandler) OnRead([]byte)    {}
func (NopHandler) OnWriteComplete() {}

type ChannelOptions struct {
	// Name labels logs and metrics, e.g. "command" or "data".
	Name    string
	Factory PortFactory
	Handler Handler
	Logger  zerolog.Logger
	Metrics *monitoring.Metrics
}

// ChannelStats is a snapshot of a channel's counters.
type ChannelStats struct {
	BytesRead    uint64
	BytesWritten uint64
	Reads        uint64
	Writes       uint64
	ReadErrors   uint64
	WriteErrors  uint64
	QueueDepth   int
	Broken       bool
}

// Fields renders the snapshot for structured logging.
func (s ChannelStats) Fields() map[string]any {
	return map[string]any{
		"bytes_read":    s.BytesRead,
		"bytes_written": s.BytesWritten,
		"reads":         s.Reads,
		"writes":        s.Writes,
		"read_errors":   s.ReadErrors,
		"write_errors":  s.WriteErrors,
		"queue_depth":   s.QueueDepth,
		"broken":        s.Broken,
	}
}

// Channel is one serial connection with at most one read and one write
// outstanding. Writes are queued and issued in FIFO order.
//
// The read buffer and both request tokens belong to the Channel. While the
// read request is outstanding only its I/O goroutine touches the buffer; the
// handler sees it on the dispatch goroutine after the completion arrives.
type Channel struct {
	name    string
	factory PortFactory
	handler Handler
	log     zerolog.Logger
	metrics *monitoring.Metrics

	mu       sync.Mutex
	port     SerialPorter
	portName string
	queue    CompletionQueue
	key      Key
	closed   bool

	readBuf  [ReadBufferSize]byte
	readReq  Request
	writeReq Request

	wmu     sync.Mutex
	writeQ  [][]byte
	writing bool

	readErrors int // consecutive, dispatch goroutine only
	broken     atomic.Bool

	bytesRead, bytesWritten, reads, writes, readErrs, writeErrs atomic.Uint64

	nameBytesRead, nameBytesWritten, nameReads, nameWrites, nameReadErrors, nameWriteErrors string
}

func NewChannel(opts ChannelOptions) *Channel {
	if opts.Factory == nil {
		opts.Factory = SerialPortFactory{}
	}
	if opts.Handler == nil {
		opts.Handler = NopHandler{}
	}
	label := func(base string) string { return monitoring.Name(base, "channel", opts.Name) }
	return &Channel{
		name:             opts.Name,
		factory:          opts.Factory,
		handler:          opts.Handler,
		log:              opts.Logger.With().Str("channel", opts.Name).Logger(),
		metrics:          opts.Metrics,
		readReq:          Request{Op: OpRead},
		writeReq:         Request{Op: OpWrite},
		nameBytesRead:    label(monitoring.BytesRead),
		nameBytesWritten: label(monitoring.BytesWritten),
		nameReads:        label(monitoring.Reads),
		nameWrites:       label(monitoring.Writes),
		nameReadErrors:   label(monitoring.ReadErrors),
		nameWriteErrors:  label(monitoring.WriteErrors),
	}
}

// Name returns the channel's label.
func (c *Channel) Name() string { return c.name }

// Open opens and configures the port. Opening an open channel logs a warning
// and does nothing. A port that opens but cannot be configured is closed
// before Open returns.
func (c *Channel) Open(portName string, opts PortOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.port != nil {
		c.log.Warn().Str("port", c.portName).Msg("channel already open")
		return nil
	}
	if c.closed {
		return &OSError{Op: "open", Port: portName, Err: ErrChannelClosed}
	}

	opts, err := opts.Normalize()
	if err != nil {
		return &OSError{Op: "open", Port: portName, Err: err}
	}

	port, err := c.factory.Open(portName, opts)
	if err != nil {
		oerr := &OSError{Op: "open", Port: portName, Err: err}
		c.log.Error().Err(err).Str("port", portName).Int("code", oerr.Code()).Msg("failed to open port")
		return oerr
	}

	if err := configure(port); err != nil {
		oerr := &OSError{Op: "configure", Port: portName, Err: err}
		c.log.Error().Err(err).Str("port", portName).Int("code", oerr.Code()).Msg("failed to configure port")
		if cerr := port.Close(); cerr != nil {
			c.log.Warn().Err(cerr).Str("port", portName).Msg("close after failed configure")
		}
		return oerr
	}

	c.port = port
	c.portName = portName
	c.log.Info().Str("port", portName).Str("mode", opts.String()).Msg("port open")
	return nil
}

// configure asserts DTR and RTS and purges stale driver buffers, for ports
// that support it.
func configure(port SerialPorter) error {
	if lc, ok := port.(LineController); ok {
		if err := lc.SetDTR(true); err != nil {
			return err
		}
		if err := lc.SetRTS(true); err != nil {
			return err
		}
	}
	if br, ok := port.(BufferResetter); ok {
		if err := br.ResetInputBuffer(); err != nil {
			return err
		}
		if err := br.ResetOutputBuffer(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Channel) Handle() SerialPorter {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.port
}

func (c *Channel) PortName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.portName
}

func (c *Channel) Bind(q CompletionQueue, key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = q
	c.key = key
}

// OnRegister arms the first read and issues any writes queued before
// registration.
func (c *Channel) OnRegister() {
	if err := c.armRead(); err != nil {
		c.log.Error().Err(err).Msg("failed to arm read")
	}
	c.driveWrites()
}

func (c *Channel) OnIOComplete(n int, token *Request, err error) {
	switch token {
	case &c.readReq:
		c.onRead(n, err)
	case &c.writeReq:
		c.onWrite(n, err)
	default:
		c.log.Warn().Msg("completion for unknown request")
	}
}

func (c *Channel) onRead(n int, err error) {
	c.reads.Add(1)
	c.metrics.Inc(c.nameReads)
	if n > 0 {
		c.bytesRead.Add(uint64(n))
		c.metrics.Add(c.nameBytesRead, n)
		c.handler.OnRead(c.readBuf[:n])
	}

	if err != nil {
		c.readErrs.Add(1)
		c.metrics.Inc(c.nameReadErrors)
		c.readErrors++
		if c.permanent(err) || c.readErrors >= maxReadErrors {
			c.broken.Store(true)
			c.logReadStop(err)
			return
		}
		c.log.Warn().Err(err).Msg("read failed")
	} else {
		c.readErrors = 0
	}

	if err := c.armRead(); err != nil {
		c.log.Error().Err(err).Msg("failed to re-arm read")
	}
}

func (c *Channel) logReadStop(err error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed || errors.Is(err, io.EOF) {
		c.log.Debug().Err(err).Msg("read stopped")
		return
	}
	c.log.Error().Err(err).Msg("read stopped, channel broken")
}

func (c *Channel) permanent(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	var perr *serial.PortError
	if errors.As(err, &perr) && perr.Code() == serial.PortClosed {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// armRead submits a read sized to the queued input when the port reports it.
func (c *Channel) armRead() error {
	c.mu.Lock()
	port, q, key, name := c.port, c.queue, c.key, c.portName
	c.mu.Unlock()
	if port == nil {
		return &OSError{Op: "read", Port: name, Err: ErrNotOpen}
	}
	if q == nil {
		return &OSError{Op: "read", Port: name, Err: ErrNotInitialized}
	}

	size := len(c.readBuf)
	if iq, ok := port.(InputQueuer); ok {
		if queued, err := iq.InputQueued(); err == nil && queued > 0 && queued < size {
			size = queued
		}
	}
	buf := c.readBuf[:size]
	token := &c.readReq
	go func() {
		n, err := port.Read(buf)
		q.Post(Completion{Key: key, N: n, Token: token, Err: err})
	}()
	return nil
}

// AsyncWrite queues a copy of p and returns without waiting for I/O. Writes
// queued before the channel is registered are issued on registration.
func (c *Channel) AsyncWrite(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	c.mu.Lock()
	closed, name := c.closed, c.portName
	c.mu.Unlock()
	if closed {
		return &OSError{Op: "write", Port: name, Err: ErrChannelClosed}
	}

	c.wmu.Lock()
	c.writeQ = append(c.writeQ, bytes.Clone(p))
	c.wmu.Unlock()
	c.driveWrites()
	return nil
}

// driveWrites issues the head of the queue if nothing is in flight. A failed
// submission leaves the buffer queued for the next attempt.
func (c *Channel) driveWrites() {
	c.wmu.Lock()
	if c.writing || len(c.writeQ) == 0 {
		c.wmu.Unlock()
		return
	}
	head := c.writeQ[0]
	c.writing = true
	c.wmu.Unlock()

	if err := c.submitWrite(head); err != nil {
		c.wmu.Lock()
		c.writing = false
		c.wmu.Unlock()
		c.log.Debug().Err(err).Msg("write deferred")
	}
}

func (c *Channel) submitWrite(p []byte) error {
	c.mu.Lock()
	port, q, key, name := c.port, c.queue, c.key, c.portName
	c.mu.Unlock()
	if port == nil {
		return &OSError{Op: "write", Port: name, Err: ErrNotOpen}
	}
	if q == nil {
		return &OSError{Op: "write", Port: name, Err: ErrNotInitialized}
	}

	token := &c.writeReq
	go func() {
		total := 0
		var err error
		for total < len(p) {
			n, werr := port.Write(p[total:])
			total += n
			if werr != nil {
				err = werr
				break
			}
			if n == 0 {
				err = ErrWriteFailed
				break
			}
		}
		q.Post(Completion{Key: key, N: total, Token: token, Err: err})
	}()
	return nil
}

func (c *Channel) onWrite(n int, err error) {
	c.writes.Add(1)
	c.metrics.Inc(c.nameWrites)
	c.bytesWritten.Add(uint64(n))
	c.metrics.Add(c.nameBytesWritten, n)
	if err != nil {
		c.writeErrs.Add(1)
		c.metrics.Inc(c.nameWriteErrors)
		c.log.Error().Err(err).Int("written", n).Msg("write failed, buffer dropped")
	}
	c.handler.OnWriteComplete()

	c.wmu.Lock()
	if len(c.writeQ) > 0 {
		c.writeQ[0] = nil
		c.writeQ = c.writeQ[1:]
	}
	c.writing = false
	c.wmu.Unlock()

	c.driveWrites()
}

// Broken reports whether reads have stopped after a permanent error.
func (c *Channel) Broken() bool { return c.broken.Load() }

func (c *Channel) Stats() ChannelStats {
	c.wmu.Lock()
	depth := len(c.writeQ)
	c.wmu.Unlock()
	return ChannelStats{
		BytesRead:    c.bytesRead.Load(),
		BytesWritten: c.bytesWritten.Load(),
		Reads:        c.reads.Load(),
		Writes:       c.writes.Load(),
		ReadErrors:   c.readErrs.Load(),
		WriteErrors:  c.writeErrs.Load(),
		QueueDepth:   depth,
		Broken:       c.broken.Load(),
	}
}

// Close releases the port, which unblocks outstanding I/O. Call it after the
// reactor's Run has returned. Close is idempotent.
func (c *Channel) Close() error {
	c.mu.Lock()
	port := c.port
	c.port = nil
	c.closed = true
	name := c.portName
	c.mu.Unlock()

	if port == nil {
		return nil
	}
	if err := port.Close(); err != nil {
		return &OSError{Op: "close", Port: name, Err: err}
	}
	c.log.Debug().Str("port", name).Msg("port closed")
	return nil
}
