package sink

import (
	crand "crypto/rand"
	"encoding/hex"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// TapBuffer is the per-subscriber channel capacity.
const TapBuffer = 16

// Tap fans lines out to live subscribers. A subscriber that falls behind
// misses lines instead of blocking the publisher.
type Tap struct {
	// mu orders channel closes after in-progress sends.
	mu          sync.RWMutex
	subscribers *xsync.MapOf[string, chan string]
	dropped     atomic.Uint64
	closed      atomic.Bool
}

func NewTap() *Tap {
	return &Tap{subscribers: xsync.NewMapOf[string, chan string]()}
}

// randomID generates a random subscriber ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe returns an ID for Unsubscribe and a channel of published lines.
// After Close the returned channel is already closed.
func (t *Tap) Subscribe() (string, <-chan string) {
	id := randomID()
	ch := make(chan string, TapBuffer)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed.Load() {
		close(ch)
		return id, ch
	}
	t.subscribers.Store(id, ch)
	return id, ch
}

// Unsubscribe closes and removes the subscriber. Unknown IDs are ignored.
func (t *Tap) Unsubscribe(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ch, ok := t.subscribers.LoadAndDelete(id); ok {
		close(ch)
	}
}

// Publish offers line to every subscriber without blocking.
func (t *Tap) Publish(line string) {
	if t == nil {
		return
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	t.subscribers.Range(func(_ string, ch chan string) bool {
		select {
		case ch <- line:
		default:
			t.dropped.Add(1)
		}
		return true
	})
}

// Len reports the number of subscribers.
func (t *Tap) Len() int {
	if t == nil {
		return 0
	}
	return t.subscribers.Size()
}

// Dropped reports lines not delivered to slow subscribers.
func (t *Tap) Dropped() uint64 {
	if t == nil {
		return 0
	}
	return t.dropped.Load()
}

// Close unsubscribes everyone. Later subscribers receive a closed channel.
func (t *Tap) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed.Store(true)
	t.subscribers.Range(func(id string, ch chan string) bool {
		t.subscribers.Delete(id)
		close(ch)
		return true
	})
}
