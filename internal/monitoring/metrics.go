package monitoring

import (
	"io"
	"net/http"
	"strings"

	"github.com/VictoriaMetrics/metrics"
)

// Metric names shared across packages.
const (
	BytesRead        = "mmwave_serial_read_bytes_total"
	BytesWritten     = "mmwave_serial_written_bytes_total"
	Reads            = "mmwave_serial_reads_total"
	Writes           = "mmwave_serial_writes_total"
	ReadErrors       = "mmwave_serial_read_errors_total"
	WriteErrors      = "mmwave_serial_write_errors_total"
	Frames           = "mmwave_frames_total"
	FrameErrors      = "mmwave_frame_errors_total"
	RecordErrors     = "mmwave_record_errors_total"
	BytesDiscarded   = "mmwave_discarded_bytes_total"
	Resyncs          = "mmwave_resyncs_total"
	Completions      = "mmwave_reactor_completions_total"
	UnknownKeys      = "mmwave_reactor_unknown_keys_total"
	StoredFrames     = "mmwave_db_frames_total"
	StoreErrors      = "mmwave_db_errors_total"
	CommandsSent     = "mmwave_commands_total"
	TapSubscriptions = "mmwave_tap_subscribers"
)

// Metrics is a per-process set of counters. A nil *Metrics is valid and
// records nothing, so components can be built without one.
type Metrics struct {
	set *metrics.Set
}

func NewMetrics() *Metrics {
	return &Metrics{set: metrics.NewSet()}
}

// Name renders a metric name with label pairs, e.g.
// Name(Frames, "channel", "data") is mmwave_frames_total{channel="data"}.
func Name(base string, labels ...string) string {
	if len(labels) < 2 {
		return base
	}
	var b strings.Builder
	b.WriteString(base)
	b.WriteByte('{')
	for i := 0; i+1 < len(labels); i += 2 {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(labels[i])
		b.WriteString(`="`)
		b.WriteString(labels[i+1])
		b.WriteByte('"')
	}
	b.WriteByte('}')
	return b.String()
}

// Add increments the named counter by n.
func (m *Metrics) Add(name string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.set.GetOrCreateCounter(name).Add(n)
}

func (m *Metrics) Inc(name string) { m.Add(name, 1) }

// Value reports the current value of a counter, or 0 if it was never
// incremented.
func (m *Metrics) Value(name string) uint64 {
	if m == nil {
		return 0
	}
	return m.set.GetOrCreateCounter(name).Get()
}

// Gauge registers a callback gauge. Registering the same name twice panics,
// as with the underlying set.
func (m *Metrics) Gauge(name string, fn func() float64) {
	if m == nil {
		return
	}
	m.set.NewGauge(name, fn)
}

// WritePrometheus writes all metrics in Prometheus text exposition format.
func (m *Metrics) WritePrometheus(w io.Writer) {
	if m == nil {
		return
	}
	m.set.WritePrometheus(w)
}

// Handler serves WritePrometheus over HTTP.
func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		m.WritePrometheus(w)
	})
}
