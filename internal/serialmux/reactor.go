package serialmux

import (
	"context"
	"math"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"

	"github.com/banshee-data/mmwave/internal/monitoring"
)

// Key identifies a registered channel in completions.
type Key uint64

// ShutdownKey is never allocated to a channel. A completion carrying it stops
// Run.
const ShutdownKey Key = math.MaxUint64

// DefaultQueueSize is the completion queue capacity. Each channel has at most
// two operations outstanding, so the queue only fills if the dispatch
// goroutine stalls.
const DefaultQueueSize = 64

// Op names the kind of I/O a request performs.
type Op uint8

const (
	OpRead Op = iota + 1
	OpWrite
)

func (o Op) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	}
	return "unknown"
}

// Request is the token of one outstanding operation. Channels own their
// requests and recognise completions by pointer identity.
type Request struct {
	Op Op
}

// Completion reports the outcome of one operation.
type Completion struct {
	Key   Key
	N     int
	Token *Request
	Err   error
}

// CompletionQueue accepts completions from I/O goroutines.
type CompletionQueue interface {
	// Post enqueues c and reports whether it was accepted. It returns false
	// once the queue is closed.
	Post(c Completion) bool
}

// AsyncChannel is a connection the Reactor can dispatch completions to.
type AsyncChannel interface {
	// Handle returns the open port, or nil if the channel is not open.
	Handle() SerialPorter
	// PortName returns the path passed to Open.
	PortName() string
	// Bind associates the channel with the queue its completions are posted
	// to and the key they carry.
	Bind(q CompletionQueue, key Key)
	// OnRegister runs once, after Bind. Channels arm their first read here.
	OnRegister()
	// OnIOComplete runs on the dispatch goroutine for every completion
	// carrying the channel's key.
	OnIOComplete(n int, token *Request, err error)
}

type ReactorOptions struct {
	QueueSize int
	Logger    zerolog.Logger
	Metrics   *monitoring.Metrics
}

// Reactor dispatches I/O completions to registered channels on a single
// goroutine.
type Reactor struct {
	log     zerolog.Logger
	metrics *monitoring.Metrics
	size    int

	mu     sync.RWMutex
	queue  chan Completion
	done   chan struct{}
	closed bool

	channels *xsync.MapOf[Key, AsyncChannel]
	keys     *xsync.MapOf[AsyncChannel, Key]
	nextKey  atomic.Uint64
}

func NewReactor(opts ReactorOptions) *Reactor {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	return &Reactor{
		log:      opts.Logger.With().Str("component", "reactor").Logger(),
		metrics:  opts.Metrics,
		size:     opts.QueueSize,
		channels: xsync.NewMapOf[Key, AsyncChannel](),
		keys:     xsync.NewMapOf[AsyncChannel, Key](),
	}
}

// Initialize creates the completion queue. Calling it again is a no-op.
func (r *Reactor) Initialize() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return &OSError{Op: "initialize", Err: ErrReactorClosed}
	}
	if r.queue != nil {
		r.log.Warn().Msg("reactor already initialized")
		return nil
	}
	r.queue = make(chan Completion, r.size)
	r.done = make(chan struct{})
	return nil
}

// Register binds ch to the queue under a fresh key and calls its OnRegister
// hook. A channel can be registered only once.
func (r *Reactor) Register(ch AsyncChannel) error {
	port := ch.Handle()
	if port == nil {
		return &OSError{Op: "register", Port: ch.PortName(), Err: ErrNotOpen}
	}
	if !r.initialized() {
		return &OSError{Op: "register", Port: ch.PortName(), Err: ErrNotInitialized}
	}

	key := Key(r.nextKey.Add(1) - 1)
	if _, loaded := r.keys.LoadOrStore(ch, key); loaded {
		return &OSError{Op: "register", Port: ch.PortName(), Err: ErrAlreadyRegistered}
	}
	r.channels.Store(key, ch)
	ch.Bind(r, key)

	r.log.Debug().Str("port", ch.PortName()).Uint64("key", uint64(key)).Msg("channel registered")
	ch.OnRegister()
	return nil
}

// Run dispatches completions until a shutdown completion arrives, ctx is
// done or the reactor is closed. The shutdown completion is not dispatched
// and Run returns nil for it.
func (r *Reactor) Run(ctx context.Context) error {
	r.mu.RLock()
	queue, done, closed := r.queue, r.done, r.closed
	r.mu.RUnlock()
	if closed {
		return ErrReactorClosed
	}
	if queue == nil {
		return ErrNotInitialized
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
			return ErrReactorClosed
		case c := <-queue:
			if c.Key == ShutdownKey {
				r.log.Debug().Msg("shutdown requested")
				return nil
			}
			ch, ok := r.channels.Load(c.Key)
			if !ok {
				r.metrics.Inc(monitoring.UnknownKeys)
				r.log.Warn().Uint64("key", uint64(c.Key)).Msg("completion for unknown key")
				continue
			}
			r.metrics.Inc(monitoring.Completions)
			ch.OnIOComplete(c.N, c.Token, c.Err)
		}
	}
}

// Post enqueues c. It blocks only while the queue is full and the reactor is
// open, and returns false without blocking once Close has been called.
func (r *Reactor) Post(c Completion) bool {
	r.mu.RLock()
	queue, done := r.queue, r.done
	r.mu.RUnlock()
	if queue == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
	}
	select {
	case queue <- c:
		return true
	case <-done:
		return false
	}
}

// Quit asks Run to return. It may be called from any goroutine and does not
// cancel outstanding I/O.
func (r *Reactor) Quit() {
	if !r.Post(Completion{Key: ShutdownKey}) {
		r.log.Warn().Msg("quit posted to a reactor that is not running")
	}
}

// Close releases the queue. Call it after Run has returned and the
// registered channels are closed. Close is idempotent.
func (r *Reactor) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.done != nil {
		close(r.done)
	}
	return nil
}

// Len reports the number of registered channels.
func (r *Reactor) Len() int { return r.channels.Size() }

func (r *Reactor) initialized() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.queue != nil && !r.closed
}
