package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/mmwave/internal/config"
	"github.com/banshee-data/mmwave/internal/db"
	"github.com/banshee-data/mmwave/internal/framer"
	"github.com/banshee-data/mmwave/internal/fsutil"
	"github.com/banshee-data/mmwave/internal/monitoring"
	"github.com/banshee-data/mmwave/internal/serialmux"
	"github.com/banshee-data/mmwave/internal/sink"
	"github.com/banshee-data/mmwave/internal/timeutil"
)

// app owns every component of a running ingest process.
type app struct {
	cfg     *config.Config
	log     zerolog.Logger
	factory serialmux.PortFactory
	fs      fsutil.FileSystem
	clock   timeutil.Clock
	stdin   io.Reader
	stdout  io.Writer
	profile []string
	metrics *monitoring.Metrics
	reactor *serialmux.Reactor
	command *serialmux.CommandChannel
	data    *serialmux.DataChannel
	store   *db.DB
	lines   *sink.Tap
	frames  *sink.Tap
	closers []io.Closer
	sources []statsSource
}

type statsSource struct {
	name string
	fn   monitoring.StatsFunc
}

// setup opens outputs and both ports and registers the channels with the
// reactor. On error everything opened so far is released.
func (a *app) setup(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			a.teardown()
		}
	}()

	if a.clock == nil {
		a.clock = timeutil.RealClock{}
	}
	a.metrics = monitoring.NewMetrics()
	a.lines = sink.NewTap()
	a.frames = sink.NewTap()
	a.metrics.Gauge(monitoring.Name(monitoring.TapSubscriptions, "tap", "lines"), func() float64 { return float64(a.lines.Len()) })
	a.metrics.Gauge(monitoring.Name(monitoring.TapSubscriptions, "tap", "frames"), func() float64 { return float64(a.frames.Len()) })

	frameSink, raw, err := a.openOutputs()
	if err != nil {
		return err
	}

	var handlers []framer.Handler
	if a.cfg.Output.DBPath != "" {
		a.store, err = db.Open(a.cfg.Output.DBPath, db.Options{Logger: a.log, Metrics: a.metrics, Clock: a.clock})
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		a.closers = append(a.closers, a.store)
		if _, err := a.store.StartSession(ctx, db.SessionInfo{
			CommandPort: a.cfg.Command.Path,
			DataPort:    a.cfg.Data.Path,
		}); err != nil {
			return err
		}
		handlers = append(handlers, a.store)
		a.sources = append(a.sources, statsSource{"db", a.store.Stats})
	}

	a.reactor = serialmux.NewReactor(serialmux.ReactorOptions{Logger: a.log, Metrics: a.metrics})
	if err := a.reactor.Initialize(); err != nil {
		return err
	}

	a.command = serialmux.NewCommandChannel(serialmux.CommandOptions{
		ChannelOptions: serialmux.ChannelOptions{Name: "command", Factory: a.factory, Logger: a.log, Metrics: a.metrics},
		Out:            a.stdout,
		Lines:          a.lines,
	})
	fo := a.cfg.Framer.Options()
	a.data = serialmux.NewDataChannel(serialmux.DataOptions{
		ChannelOptions: serialmux.ChannelOptions{Name: "data", Factory: a.factory, Logger: a.log, Metrics: a.metrics},
		Framer:         fo,
		Sink:           frameSink,
		Raw:            raw,
		Frames:         handlers,
		Tap:            a.frames,
	})

	ports := []struct {
		ch  *serialmux.Channel
		cfg config.PortConfig
	}{
		{a.command.Channel, a.cfg.Command},
		{a.data.Channel, a.cfg.Data},
	}
	for _, p := range ports {
		opts, err := p.cfg.Options()
		if err != nil {
			return err
		}
		if err := p.ch.Open(p.cfg.Path, opts); err != nil {
			return err
		}
		a.log.Info().Str("channel", p.ch.Name()).Str("port", p.cfg.Path).Str("mode", opts.String()).Msg("port opened")
	}
	if err := a.reactor.Register(a.command); err != nil {
		return err
	}
	if err := a.reactor.Register(a.data); err != nil {
		return err
	}

	a.sources = append([]statsSource{
		{"command", func() map[string]any { return a.command.Stats().Fields() }},
		{"data", func() map[string]any {
			fields := a.data.Stats().Fields()
			for k, v := range a.data.Framer().Stats().Fields() {
				fields[k] = v
			}
			return fields
		}},
	}, a.sources...)

	for _, cmd := range a.profile {
		if err := a.command.SendCommand(cmd); err != nil {
			return fmt.Errorf("failed to send profile command %q: %w", cmd, err)
		}
	}
	if len(a.profile) > 0 {
		a.log.Info().Int("commands", len(a.profile)).Msg("sensor profile queued")
	}
	return nil
}

func (a *app) openOutputs() (sink.Func, io.Writer, error) {
	out := a.cfg.Output
	var sinks []sink.Func
	if out.JSONPath != "" {
		f, err := sink.CreateFile(a.fs, out.JSONPath, out.Append, a.log)
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, f)
		sinks = append(sinks, f.Func())
		a.log.Info().Str("path", f.Path()).Msg("writing frames")
	}
	if out.JSONPath == "" || out.Stdout {
		sinks = append(sinks, sink.Writer(a.stdout, a.log))
	}

	var raw io.Writer
	if out.RawPath != "" {
		f, err := sink.CreateFile(a.fs, out.RawPath, out.Append, a.log)
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, f)
		raw = f
		a.log.Info().Str("path", f.Path()).Msg("capturing raw data")
	}
	return sink.Multi(sinks...), raw, nil
}

// stats snapshots every source, keyed by name.
func (a *app) stats() map[string]map[string]any {
	out := make(map[string]map[string]any, len(a.sources))
	for _, s := range a.sources {
		out[s.name] = s.fn()
	}
	return out
}

func (a *app) mux() (*http.ServeMux, error) {
	mux := http.NewServeMux()
	admin := &serialmux.Admin{
		Commands: a.command,
		Lines:    a.lines,
		Frames:   a.frames,
		Metrics:  a.metrics,
		Stats:    a.stats,
	}
	admin.AttachAdminRoutes(mux)
	if a.store != nil {
		if err := a.store.AttachAdminRoutes(mux); err != nil {
			return nil, err
		}
	}
	return mux, nil
}

// run dispatches I/O until ctx is done or the exit command is read, then
// shuts down in order: the reactor loop returns first, then the channels
// close their ports, then the reactor and outputs are released.
func (a *app) run(ctx context.Context) error {
	if err := a.setup(ctx); err != nil {
		return err
	}
	defer a.teardown()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		defer cancel()
		err := a.reactor.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	stats := monitoring.NewStatsLogger(a.log, a.clock, a.cfg.StatsInterval)
	for _, s := range a.sources {
		stats.Add(s.name, s.fn)
	}
	g.Go(func() error {
		err := stats.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if a.cfg.Admin.Listen != "" {
		mux, err := a.mux()
		if err != nil {
			return err
		}
		g.Go(func() error { return a.serve(gctx, mux) })
	}

	// The REPL goroutine is not part of the group: a blocked stdin read
	// cannot be interrupted.
	go func() {
		exit, err := runREPL(a.stdin, a.command.SendCommand, a.log)
		if err != nil {
			a.log.Warn().Err(err).Msg("stdin read failed")
		}
		if exit {
			a.log.Info().Msg("exit requested")
			a.reactor.Quit()
		}
	}()

	err := g.Wait()
	stats.Report()
	return err
}

func (a *app) serve(ctx context.Context, mux *http.ServeMux) error {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.log.Debug().Str("method", r.Method).Str("path", r.URL.Path).Msg("request")
		mux.ServeHTTP(w, r)
	})
	server := &http.Server{
		Addr:              a.cfg.Admin.Listen,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		a.log.Info().Str("addr", server.Addr).Msg("admin server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.log.Warn().Err(err).Msg("admin server shutdown error")
		if err := server.Close(); err != nil {
			a.log.Warn().Err(err).Msg("admin server force close error")
		}
	}
	return nil
}

// teardown releases everything setup acquired. It is safe to call more than
// once and after a partial setup.
func (a *app) teardown() {
	if a.command != nil {
		if err := a.command.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close command channel")
		}
	}
	if a.data != nil {
		if err := a.data.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close data channel")
		}
	}
	if a.reactor != nil {
		a.reactor.Close()
	}
	if a.lines != nil {
		a.lines.Close()
	}
	if a.frames != nil {
		a.frames.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close output")
		}
	}
	a.closers = nil
}
