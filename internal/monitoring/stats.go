package monitoring

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/banshee-data/mmwave/internal/timeutil"
)

// StatsFunc returns a snapshot of a component's counters. It is called from
// the reporting goroutine and must be safe for concurrent use.
type StatsFunc func() map[string]any

// StatsLogger periodically logs the snapshots of registered sources.
type StatsLogger struct {
	log      zerolog.Logger
	clock    timeutil.Clock
	interval time.Duration

	mu      sync.Mutex
	names   []string
	sources map[string]StatsFunc
}

// NewStatsLogger reports every interval. A nil clock uses the wall clock.
func NewStatsLogger(log zerolog.Logger, clock timeutil.Clock, interval time.Duration) *StatsLogger {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &StatsLogger{
		log:      log,
		clock:    clock,
		interval: interval,
		sources:  make(map[string]StatsFunc),
	}
}

// Add registers a source under name, replacing any previous source with the
// same name. Sources are reported in registration order.
func (s *StatsLogger) Add(name string, fn StatsFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sources[name]; !ok {
		s.names = append(s.names, name)
	}
	s.sources[name] = fn
}

// Report logs one line per source.
func (s *StatsLogger) Report() {
	s.mu.Lock()
	names := append([]string(nil), s.names...)
	sources := make([]StatsFunc, len(names))
	for i, n := range names {
		sources[i] = s.sources[n]
	}
	s.mu.Unlock()

	for i, fn := range sources {
		s.log.Info().Str("source", names[i]).Fields(fn()).Msg("stats")
	}
}

// Run reports on every tick until ctx is done. A non-positive interval
// disables reporting and Run just waits for ctx.
func (s *StatsLogger) Run(ctx context.Context) error {
	if s.interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			s.Report()
		}
	}
}
