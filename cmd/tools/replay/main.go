// Command replay decodes a raw data port capture offline and writes one JSON
// frame per line, the same output radar produces live.
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/banshee-data/mmwave/internal/framer"
	"github.com/banshee-data/mmwave/internal/monitoring"
	"github.com/banshee-data/mmwave/internal/sink"
	"github.com/banshee-data/mmwave/internal/tlv"
)

const chunkSize = 4096

func main() {
	var (
		in       = flag.String("i", "-", "capture path, - for stdin")
		out      = flag.String("o", "-", "output path, - for stdout")
		maxFrame = flag.Int("max-frame-size", framer.DefaultMaxFrameSize, "largest accepted frame in bytes")
		discard  = flag.Bool("discard-trailing", false, "drop bytes following a frame in the same chunk")
		level    = flag.String("log-level", "info", "log level")
	)
	flag.Parse()

	log, err := monitoring.NewLogger(monitoring.Options{Level: *level, Out: os.Stderr})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	var r io.Reader = os.Stdin
	if *in != "-" {
		f, err := os.Open(*in)
		if err != nil {
			log.Fatal().Err(err).Str("path", *in).Msg("failed to open capture")
		}
		defer f.Close()
		r = f
	}

	var w io.Writer = os.Stdout
	if *out != "-" {
		f, err := os.Create(*out)
		if err != nil {
			log.Fatal().Err(err).Str("path", *out).Msg("failed to create output")
		}
		defer f.Close()
		w = f
	}
	bw := bufio.NewWriter(w)
	defer bw.Flush()

	stats, err := replay(r, bw, framer.Options{MaxFrameSize: *maxFrame, DiscardTrailing: *discard}, log)
	if err != nil {
		log.Error().Err(err).Msg("replay failed")
	}
	log.Info().Fields(stats.Fields()).Msg("replay complete")
}

// replay feeds r through a Framer in fixed chunks, as the data channel
// would, and writes each rendered frame to w.
func replay(r io.Reader, w io.Writer, opts framer.Options, log zerolog.Logger) (framer.Stats, error) {
	out := sink.Writer(w, log)
	opts.Logger = log
	fr := framer.New(framer.HandlerFunc(func(f *tlv.Frame) {
		line, err := tlv.Render(f)
		if err != nil {
			log.Warn().Err(err).Uint32("frame", f.Header.FrameNumber).Msg("failed to render frame")
			return
		}
		out(line)
	}), opts)

	buf := make([]byte, chunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			fr.Append(buf[:n])
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fr.Stats(), err
		}
	}
	if left := fr.Buffered(); left > 0 {
		log.Warn().Int("bytes", left).Msg("capture ended inside a frame")
	}
	return fr.Stats(), nil
}
