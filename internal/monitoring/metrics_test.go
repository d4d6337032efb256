package monitoring

import (
	"bytes"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestName(t *testing.T) {
	assert.Equal(t, Frames, Name(Frames))
	assert.Equal(t, `mmwave_frames_total{channel="data"}`, Name(Frames, "channel", "data"))
	assert.Equal(t, `x{a="1",b="2"}`, Name("x", "a", "1", "b", "2"))
}

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics()
	name := Name(BytesRead, "channel", "data")

	m.Add(name, 100)
	m.Inc(name)
	m.Add(name, 0)
	m.Add(name, -5)
	assert.Equal(t, uint64(101), m.Value(name))
	assert.Equal(t, uint64(0), m.Value(Resyncs))

	var buf bytes.Buffer
	m.WritePrometheus(&buf)
	assert.Contains(t, buf.String(), `mmwave_serial_read_bytes_total{channel="data"} 101`)
}

func TestMetrics_Gauge(t *testing.T) {
	m := NewMetrics()
	m.Gauge(TapSubscriptions, func() float64 { return 3 })

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/debug/counters", nil))
	assert.Contains(t, rec.Body.String(), "mmwave_tap_subscribers 3")
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.Inc(Frames)
	m.Add(Frames, 10)
	m.Gauge(TapSubscriptions, func() float64 { return 1 })
	assert.Equal(t, uint64(0), m.Value(Frames))

	var buf bytes.Buffer
	m.WritePrometheus(&buf)
	assert.Empty(t, buf.String())
}
