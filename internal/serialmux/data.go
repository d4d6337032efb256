package serialmux

import (
	"io"
	"strings"

	"github.com/rs/zerolog"

	"github.com/banshee-data/mmwave/internal/framer"
	"github.com/banshee-data/mmwave/internal/sink"
	"github.com/banshee-data/mmwave/internal/tlv"
)

type DataOptions struct {
	ChannelOptions
	Framer framer.Options
	// Sink receives every rendered frame. Nil means stdout.
	Sink sink.Func
	// Raw, when set, receives every byte read before framing.
	Raw io.Writer
	// Frames are called with each decoded frame after it has been rendered.
	Frames []framer.Handler
	// Tap, when set, receives each rendered frame without its newline.
	Tap *sink.Tap
}

// DataChannel is the sensor's high-rate output link. Reads are fed to a
// Framer and each decoded frame is rendered as one JSON line.
type DataChannel struct {
	*Channel
	framer   *framer.Framer
	sink     sink.Func
	raw      io.Writer
	rawFail  bool
	handlers []framer.Handler
	tap      *sink.Tap
	log      zerolog.Logger
}

func NewDataChannel(opts DataOptions) *DataChannel {
	if opts.Name == "" {
		opts.Name = "data"
	}
	if opts.Sink == nil {
		opts.Sink = sink.Stdout()
	}
	fo := opts.Framer
	if fo.Metrics == nil {
		fo.Metrics = opts.Metrics
	}
	if fo.Channel == "" {
		fo.Channel = opts.Name
	}
	fo.Logger = opts.Logger.With().Str("channel", opts.Name).Logger()

	d := &DataChannel{
		sink:     opts.Sink,
		raw:      opts.Raw,
		handlers: opts.Frames,
		tap:      opts.Tap,
		log:      opts.Logger.With().Str("channel", opts.Name).Logger(),
	}
	d.framer = framer.New(d, fo)
	opts.Handler = d
	d.Channel = NewChannel(opts.ChannelOptions)
	return d
}

func (d *DataChannel) OnRead(p []byte) {
	if d.raw != nil && !d.rawFail {
		if _, err := d.raw.Write(p); err != nil {
			// Keep framing; a failing capture must not stop decoding.
			d.rawFail = true
			d.log.Error().Err(err).Msg("raw capture failed, disabled")
		}
	}
	d.framer.Append(p)
}

func (d *DataChannel) OnWriteComplete() {}

// HandleFrame renders f to the sink and passes it to the extra handlers.
func (d *DataChannel) HandleFrame(f *tlv.Frame) {
	out, err := tlv.Render(f)
	if err != nil {
		d.log.Error().Err(err).Uint32("frame", f.Header.FrameNumber).Msg("render failed")
	} else {
		d.sink(out)
		if d.tap != nil {
			d.tap.Publish(strings.TrimSuffix(string(out), "\n"))
		}
	}
	for _, h := range d.handlers {
		h.HandleFrame(f)
	}
}

// Framer exposes the channel's framer for stats.
func (d *DataChannel) Framer() *framer.Framer { return d.framer }
