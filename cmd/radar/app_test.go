package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/mmwave/internal/config"
	"github.com/banshee-data/mmwave/internal/fsutil"
	"github.com/banshee-data/mmwave/internal/serialmux"
	"github.com/banshee-data/mmwave/internal/testutil"
	"github.com/banshee-data/mmwave/internal/tlv"
)

const waitFor = 2 * time.Second

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

func encodeFrame(t *testing.T, number uint32) []byte {
	t.Helper()
	var enc tlv.Encoder
	enc.Header.FrameNumber = number
	require.NoError(t, enc.Add(tlv.TypeDetectedPoints, []tlv.DetectedPoint{{X: 1, Y: 2, Z: 3, Doppler: 0.5}}))
	return enc.Bytes()
}

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Command.Path = "/dev/cmd"
	cfg.Data.Path = "/dev/data"
	cfg.Output.JSONPath = "out/frames.jsonl"
	cfg.Admin.Listen = ""
	cfg.StatsInterval = 0
	return cfg
}

// portFactory serves fixed ports by path.
func portFactory(ports map[string]serialmux.SerialPorter) serialmux.PortFactory {
	return serialmux.PortFactoryFunc(func(path string, _ serialmux.PortOptions) (serialmux.SerialPorter, error) {
		p, ok := ports[path]
		if !ok {
			return nil, fmt.Errorf("no such port %s", path)
		}
		return p, nil
	})
}

type testApp struct {
	*app
	cmdPort  *serialmux.TestablePort
	dataPort *serialmux.TestablePort
	fs       *fsutil.MemoryFileSystem
	stdin    *io.PipeWriter
	stdout   *syncBuffer
	done     chan error
}

func newTestApp(t *testing.T, cfg *config.Config, profile []string) *testApp {
	t.Helper()
	cmdPort, dataPort := serialmux.NewTestablePort(), serialmux.NewTestablePort()
	fsys := fsutil.NewMemoryFileSystem()
	stdinR, stdinW := io.Pipe()
	t.Cleanup(func() { stdinW.Close() })
	stdout := &syncBuffer{}

	return &testApp{
		app: &app{
			cfg:     cfg,
			log:     zerolog.Nop(),
			factory: portFactory(map[string]serialmux.SerialPorter{cfg.Command.Path: cmdPort, cfg.Data.Path: dataPort}),
			fs:      fsys,
			stdin:   stdinR,
			stdout:  stdout,
			profile: profile,
		},
		cmdPort:  cmdPort,
		dataPort: dataPort,
		fs:       fsys,
		stdin:    stdinW,
		stdout:   stdout,
		done:     make(chan error, 1),
	}
}

func (ta *testApp) start(ctx context.Context) {
	go func() { ta.done <- ta.run(ctx) }()
}

func (ta *testApp) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-ta.done:
		return err
	case <-time.After(waitFor):
		t.Fatal("run did not return")
		return nil
	}
}

func (ta *testApp) file(name string) string {
	b, _ := ta.fs.ReadFile(name)
	return string(b)
}

func TestApp_EndToEnd(t *testing.T) {
	ta := newTestApp(t, testConfig(), []string{"sensorStop", "flushCfg"})
	ta.start(context.Background())

	// The profile is queued once setup has finished.
	require.Eventually(t, func() bool {
		return string(ta.cmdPort.Written()) == "sensorStop\nflushCfg\n"
	}, waitFor, time.Millisecond)

	frame := encodeFrame(t, 5)
	ta.dataPort.AddReadData(append([]byte{0xAA, 0xBB}, frame...))
	ta.cmdPort.AddReadData([]byte("Done\nmmwDemo:/>"))

	require.Eventually(t, func() bool {
		return strings.Contains(ta.file("out/frames.jsonl"), `"frameNumber":5`)
	}, waitFor, time.Millisecond)
	require.Eventually(t, func() bool {
		return strings.Contains(ta.stdout.String(), "Done\n")
	}, waitFor, time.Millisecond)

	_, err := io.WriteString(ta.stdin, "sensorStart\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return strings.HasSuffix(string(ta.cmdPort.Written()), "sensorStart\n")
	}, waitFor, time.Millisecond)

	_, err = io.WriteString(ta.stdin, "exit\n")
	require.NoError(t, err)
	require.NoError(t, ta.wait(t))

	assert.True(t, ta.cmdPort.IsClosed())
	assert.True(t, ta.dataPort.IsClosed())

	out := ta.file("out/frames.jsonl")
	assert.Equal(t, 1, strings.Count(out, "\n"))
	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &doc))
	assert.Contains(t, doc, "TLVs")
	// Frames go to the file only unless stdout echo is enabled.
	assert.NotContains(t, ta.stdout.String(), "frameNumber")

	assert.Equal(t, uint64(len(frame)+2), ta.metrics.Value(`mmwave_serial_read_bytes_total{channel="data"}`))
}

func TestApp_ContextCancelShutsDown(t *testing.T) {
	cfg := testConfig()
	cfg.Output.JSONPath = ""
	ta := newTestApp(t, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	ta.start(ctx)
	require.Eventually(t, func() bool { return ta.dataPort.ReadRequests() != nil }, waitFor, time.Millisecond)

	ta.dataPort.AddReadData(encodeFrame(t, 9))
	require.Eventually(t, func() bool {
		return strings.Contains(ta.stdout.String(), `"frameNumber":9`)
	}, waitFor, time.Millisecond)

	cancel()
	require.NoError(t, ta.wait(t))
	assert.True(t, ta.dataPort.IsClosed())
}

func TestApp_SetupFailureReleasesPorts(t *testing.T) {
	cfg := testConfig()
	ta := newTestApp(t, cfg, nil)
	ta.factory = portFactory(map[string]serialmux.SerialPorter{cfg.Command.Path: ta.cmdPort})

	ta.start(context.Background())
	err := ta.wait(t)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/dev/data")
	assert.True(t, ta.cmdPort.IsClosed())
}

func TestApp_RawCaptureAndDatabase(t *testing.T) {
	cfg := testConfig()
	cfg.Output.RawPath = "capture.bin"
	cfg.Output.DBPath = filepath.Join(t.TempDir(), "frames.db")
	ta := newTestApp(t, cfg, []string{"sensorStart"})

	ctx, cancel := context.WithCancel(context.Background())
	ta.start(ctx)
	require.Eventually(t, func() bool { return string(ta.cmdPort.Written()) == "sensorStart\n" }, waitFor, time.Millisecond)

	stream := append(encodeFrame(t, 1), encodeFrame(t, 2)...)
	ta.dataPort.AddReadData(stream)
	require.Eventually(t, func() bool {
		n, _ := ta.stats()["db"]["frames"].(int64)
		return n == 2
	}, waitFor, time.Millisecond)

	cancel()
	require.NoError(t, ta.wait(t))

	assert.Equal(t, stream, []byte(ta.file("capture.bin")))
	assert.Equal(t, 2, strings.Count(ta.file("out/frames.jsonl"), "\n"))
}

func TestApp_DatabaseLockDoesNotStallDispatch(t *testing.T) {
	cfg := testConfig()
	cfg.Output.DBPath = filepath.Join(t.TempDir(), "frames.db")
	ta := newTestApp(t, cfg, []string{"sensorStart"})

	ctx, cancel := context.WithCancel(context.Background())
	ta.start(ctx)
	require.Eventually(t, func() bool { return string(ta.cmdPort.Written()) == "sensorStart\n" }, waitFor, time.Millisecond)

	// Hold the write lock as a backup or tailsql statement would.
	conn, err := ta.store.Conn(ctx)
	require.NoError(t, err)
	_, err = conn.ExecContext(ctx, "BEGIN IMMEDIATE")
	require.NoError(t, err)

	ta.dataPort.AddReadData(encodeFrame(t, 1))
	ta.dataPort.AddReadData(encodeFrame(t, 2))
	ta.cmdPort.AddReadData([]byte("Done\n"))

	require.Eventually(t, func() bool {
		return strings.Count(ta.file("out/frames.jsonl"), "\n") == 2
	}, waitFor, time.Millisecond)
	require.Eventually(t, func() bool {
		return strings.Contains(ta.stdout.String(), "Done\n")
	}, waitFor, time.Millisecond)

	_, err = conn.ExecContext(ctx, "ROLLBACK")
	require.NoError(t, err)
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		n, _ := ta.stats()["db"]["frames"].(int64)
		return n == 2
	}, waitFor, time.Millisecond)

	cancel()
	require.NoError(t, ta.wait(t))
}

func TestApp_Replay(t *testing.T) {
	cfg := testConfig()
	ta := newTestApp(t, cfg, nil)

	capture := append([]byte("garbage"), encodeFrame(t, 1)...)
	capture = append(capture, encodeFrame(t, 2)...)
	ta.factory = replayFactory(cfg.Data.Path, bytes.NewReader(capture), 7, 0, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	ta.start(ctx)
	require.Eventually(t, func() bool {
		return strings.Count(ta.file("out/frames.jsonl"), "\n") == 2
	}, waitFor, time.Millisecond)

	cancel()
	require.NoError(t, ta.wait(t))
	assert.Contains(t, ta.file("out/frames.jsonl"), `"frameNumber":2`)
}

func TestApp_AdminMux(t *testing.T) {
	ta := newTestApp(t, testConfig(), nil)
	require.NoError(t, ta.setup(context.Background()))
	defer ta.teardown()

	mux, err := ta.mux()
	require.NoError(t, err)

	rec := testutil.Serve(mux, http.MethodGet, "/debug/stats", nil)
	testutil.AssertStatusCode(t, rec, http.StatusOK)

	var stats map[string]map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Contains(t, stats, "command")
	assert.Contains(t, stats, "data")
	assert.NotContains(t, stats, "db")
}
