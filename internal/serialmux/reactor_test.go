package serialmux

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/mmwave/internal/monitoring"
)

// fakeChannel records what the reactor does to it.
type fakeChannel struct {
	port SerialPorter

	mu          sync.Mutex
	queue       CompletionQueue
	key         Key
	registered  int
	completions []Completion
}

func (f *fakeChannel) Handle() SerialPorter { return f.port }
func (f *fakeChannel) PortName() string     { return "fake" }

func (f *fakeChannel) Bind(q CompletionQueue, key Key) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue, f.key = q, key
}

func (f *fakeChannel) OnRegister() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered++
}

func (f *fakeChannel) OnIOComplete(n int, token *Request, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completions = append(f.completions, Completion{Key: f.key, N: n, Token: token, Err: err})
}

func (f *fakeChannel) dispatched() []Completion {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Completion(nil), f.completions...)
}

func newInitializedReactor(t *testing.T, opts ReactorOptions) *Reactor {
	t.Helper()
	r := NewReactor(opts)
	require.NoError(t, r.Initialize())
	t.Cleanup(func() { r.Close() })
	return r
}

func TestReactor_InitializeIdempotent(t *testing.T) {
	r := NewReactor(ReactorOptions{})
	require.NoError(t, r.Initialize())
	require.NoError(t, r.Initialize())
	require.NoError(t, r.Close())

	err := r.Initialize()
	assert.ErrorIs(t, err, ErrReactorClosed)
}

func TestReactor_RegisterErrors(t *testing.T) {
	t.Run("channel not open", func(t *testing.T) {
		r := newInitializedReactor(t, ReactorOptions{})
		err := r.Register(&fakeChannel{})
		var oerr *OSError
		require.ErrorAs(t, err, &oerr)
		assert.Equal(t, "register", oerr.Op)
		assert.ErrorIs(t, err, ErrNotOpen)
	})

	t.Run("reactor not initialized", func(t *testing.T) {
		r := NewReactor(ReactorOptions{})
		err := r.Register(&fakeChannel{port: NewTestablePort()})
		assert.ErrorIs(t, err, ErrNotInitialized)
	})

	t.Run("registered twice", func(t *testing.T) {
		r := newInitializedReactor(t, ReactorOptions{})
		ch := &fakeChannel{port: NewTestablePort()}
		require.NoError(t, r.Register(ch))
		assert.ErrorIs(t, r.Register(ch), ErrAlreadyRegistered)
		assert.Equal(t, 1, ch.registered)
		assert.Equal(t, 1, r.Len())
	})
}

func TestReactor_RegisterAllocatesDistinctKeys(t *testing.T) {
	r := newInitializedReactor(t, ReactorOptions{})
	a := &fakeChannel{port: NewTestablePort()}
	b := &fakeChannel{port: NewTestablePort()}
	require.NoError(t, r.Register(a))
	require.NoError(t, r.Register(b))

	assert.NotEqual(t, a.key, b.key)
	assert.NotEqual(t, ShutdownKey, a.key)
	assert.Same(t, r, a.queue)
}

func TestReactor_DispatchesByKey(t *testing.T) {
	r := newInitializedReactor(t, ReactorOptions{})
	a := &fakeChannel{port: NewTestablePort()}
	b := &fakeChannel{port: NewTestablePort()}
	require.NoError(t, r.Register(a))
	require.NoError(t, r.Register(b))

	token := &Request{Op: OpRead}
	ioErr := errors.New("framing")
	require.True(t, r.Post(Completion{Key: b.key, N: 7, Token: token, Err: ioErr}))
	require.True(t, r.Post(Completion{Key: a.key, N: 3, Token: token}))
	r.Quit()

	require.NoError(t, r.Run(context.Background()))

	require.Len(t, a.dispatched(), 1)
	assert.Equal(t, 3, a.dispatched()[0].N)
	require.Len(t, b.dispatched(), 1)
	assert.Equal(t, 7, b.dispatched()[0].N)
	assert.Same(t, token, b.dispatched()[0].Token)
	assert.Equal(t, ioErr, b.dispatched()[0].Err)
}

func TestReactor_ShutdownWithoutDispatch(t *testing.T) {
	r := newInitializedReactor(t, ReactorOptions{})
	ch := &fakeChannel{port: NewTestablePort()}
	require.NoError(t, r.Register(ch))

	r.Quit()
	require.True(t, r.Post(Completion{Key: ch.key, N: 1}))

	require.NoError(t, r.Run(context.Background()))
	assert.Empty(t, ch.dispatched(), "nothing after the shutdown completion may be dispatched")
}

func TestReactor_UnknownKeyIgnored(t *testing.T) {
	m := monitoring.NewMetrics()
	r := newInitializedReactor(t, ReactorOptions{Metrics: m})
	require.True(t, r.Post(Completion{Key: 999, N: 1}))
	r.Quit()

	require.NoError(t, r.Run(context.Background()))
	assert.Equal(t, uint64(1), m.Value(monitoring.UnknownKeys))
}

func TestReactor_QuitFromAnotherGoroutine(t *testing.T) {
	r := newInitializedReactor(t, ReactorOptions{})
	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	time.Sleep(10 * time.Millisecond)
	go r.Quit()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Run did not return after Quit")
	}
}

func TestReactor_ContextCancel(t *testing.T) {
	r := newInitializedReactor(t, ReactorOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, r.Run(ctx), context.Canceled)
}

func TestReactor_Closed(t *testing.T) {
	r := NewReactor(ReactorOptions{})
	require.NoError(t, r.Initialize())
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	assert.ErrorIs(t, r.Run(context.Background()), ErrReactorClosed)

	// Posting after close must not block.
	posted := make(chan bool, 1)
	go func() { posted <- r.Post(Completion{Key: 1}) }()
	select {
	case ok := <-posted:
		assert.False(t, ok)
	case <-time.After(waitFor):
		t.Fatal("Post blocked on a closed reactor")
	}
	r.Quit()
}

func TestReactor_CloseUnblocksFullQueue(t *testing.T) {
	r := NewReactor(ReactorOptions{QueueSize: 1})
	require.NoError(t, r.Initialize())
	require.True(t, r.Post(Completion{Key: 1}))

	posted := make(chan bool, 1)
	go func() { posted <- r.Post(Completion{Key: 2}) }()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, r.Close())

	select {
	case ok := <-posted:
		assert.False(t, ok)
	case <-time.After(waitFor):
		t.Fatal("Close did not release a blocked Post")
	}
}

func TestReactor_RunBeforeInitialize(t *testing.T) {
	r := NewReactor(ReactorOptions{})
	assert.ErrorIs(t, r.Run(context.Background()), ErrNotInitialized)
	assert.False(t, r.Post(Completion{Key: 1}))
}

func TestOp_String(t *testing.T) {
	assert.Equal(t, "read", OpRead.String())
	assert.Equal(t, "write", OpWrite.String())
	assert.Equal(t, "unknown", Op(0).String())
}
