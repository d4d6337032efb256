// Package sink delivers rendered frames and command output to their
// destinations: stdout, files, and live subscribers.
package sink

import (
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// Func consumes one rendered frame. It is called on the reactor goroutine and
// must not retain p.
type Func func(p []byte)

// Stdout writes each frame to standard output.
func Stdout() Func {
	return Writer(os.Stdout, zerolog.Nop())
}

// Writer writes each frame to w. Write errors are logged and dropped.
func Writer(w io.Writer, log zerolog.Logger) Func {
	var mu sync.Mutex
	return func(p []byte) {
		mu.Lock()
		defer mu.Unlock()
		if _, err := w.Write(p); err != nil {
			log.Error().Err(err).Msg("sink write failed")
		}
	}
}

// Multi fans each frame out to every non-nil sink in order.
func Multi(sinks ...Func) Func {
	var live []Func
	for _, s := range sinks {
		if s != nil {
			live = append(live, s)
		}
	}
	switch len(live) {
	case 0:
		return func([]byte) {}
	case 1:
		return live[0]
	}
	return func(p []byte) {
		for _, s := range live {
			s(p)
		}
	}
}
