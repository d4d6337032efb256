// Command radar ingests telemetry from a TI IWR1443 mmWave sensor. It sends
// CLI commands on the command UART, decodes frames from the data UART and
// writes them as JSON lines, optionally to SQLite as well.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/banshee-data/mmwave/internal/config"
	"github.com/banshee-data/mmwave/internal/fsutil"
	"github.com/banshee-data/mmwave/internal/monitoring"
	"github.com/banshee-data/mmwave/internal/serialmux"
	"github.com/banshee-data/mmwave/internal/version"
)

func main() {
	opts, err := parseFlags(os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if opts.showVersion {
		fmt.Println(version.String("radar"))
		return
	}
	if opts.listPorts {
		ports, err := serialmux.ListPorts()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return
	}

	cfg, err := config.Load(opts.configPath, opts.overrides)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	log, err := monitoring.NewLogger(monitoring.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, Out: os.Stderr})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log.Info().Str("version", version.Version).Str("commit", version.GitSHA).Msg("starting")

	fsys := fsutil.OSFileSystem{}
	a := &app{
		cfg:     cfg,
		log:     log,
		factory: serialmux.SerialPortFactory{},
		fs:      fsys,
		stdin:   os.Stdin,
		stdout:  os.Stdout,
	}

	if opts.profilePath != "" {
		a.profile, err = loadProfile(fsys, opts.profilePath)
		if err != nil {
			log.Fatal().Err(err).Str("path", opts.profilePath).Msg("failed to read sensor profile")
		}
	}

	if opts.replayPath != "" {
		capture, err := fsys.Open(opts.replayPath)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open replay capture")
		}
		defer capture.Close()
		a.factory = replayFactory(cfg.Data.Path, capture, opts.replayChunk, opts.replayEvery, log)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.run(ctx); err != nil {
		log.Error().Err(err).Msg("radar stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("graceful shutdown complete")
}

func loadProfile(fsys fsutil.FileSystem, path string) ([]string, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readProfile(f)
}

// replayFactory serves capture on the data port and an idle port that
// swallows writes everywhere else, so the process runs without hardware.
func replayFactory(dataPath string, capture io.Reader, chunk int, every time.Duration, log zerolog.Logger) serialmux.PortFactory {
	return serialmux.PortFactoryFunc(func(path string, opts serialmux.PortOptions) (serialmux.SerialPorter, error) {
		if path == dataPath {
			log.Info().Str("port", path).Msg("replaying capture on data port")
			return serialmux.NewReplayPort(capture, chunk, every), nil
		}
		return serialmux.NewReplayPort(nil, 0, 0), nil
	})
}
