package serialmux

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

// recordingHandler forwards hook calls to channels the test goroutine reads.
type recordingHandler struct {
	reads  chan []byte
	writes chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{reads: make(chan []byte, 64), writes: make(chan struct{}, 64)}
}

func (h *recordingHandler) OnRead(p []byte)  { h.reads <- bytes.Clone(p) }
func (h *recordingHandler) OnWriteComplete() { h.writes <- struct{}{} }

func (h *recordingHandler) nextRead(t *testing.T) []byte {
	t.Helper()
	select {
	case p := <-h.reads:
		return p
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for read")
		return nil
	}
}

func (h *recordingHandler) nextWrite(t *testing.T) {
	t.Helper()
	select {
	case <-h.writes:
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for write completion")
	}
}

// harness runs a reactor with registered channels on a background goroutine.
type harness struct {
	reactor *Reactor
	done    chan error
	once    sync.Once
	running bool
	err     error
	closers []func() error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	r := NewReactor(ReactorOptions{})
	require.NoError(t, r.Initialize())
	h := &harness{reactor: r, done: make(chan error, 1)}
	t.Cleanup(func() { h.stop() })
	return h
}

func (h *harness) register(t *testing.T, ch interface {
	AsyncChannel
	Close() error
}) {
	t.Helper()
	require.NoError(t, h.reactor.Register(ch))
	h.closers = append(h.closers, ch.Close)
}

func (h *harness) run() {
	h.running = true
	go func() { h.done <- h.reactor.Run(context.Background()) }()
}

// stop quits the reactor, waits for Run, closes the channels and the
// reactor, and returns Run's error.
func (h *harness) stop() error {
	h.once.Do(func() {
		if h.running {
			h.reactor.Quit()
			select {
			case h.err = <-h.done:
			case <-time.After(waitFor):
			}
		}
		for _, c := range h.closers {
			c()
		}
		h.reactor.Close()
	})
	return h.err
}

// openChannel returns a Channel opened on port.
func openChannel(t *testing.T, port *TestablePort, handler Handler) *Channel {
	t.Helper()
	ch := NewChannel(ChannelOptions{Name: "test", Factory: NewMockPortFactory(port), Handler: handler})
	require.NoError(t, ch.Open("/dev/ttyTEST0", PortOptions{BaudRate: DataBaudRate}))
	return ch
}

// syncBuffer guards a bytes.Buffer written from the dispatch goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
