// Package framer reassembles sensor frames from an unframed byte stream.
//
// The data link delivers arbitrary chunks. A Framer accumulates them, scans
// for the frame magic, waits until the declared packet length has arrived and
// then decodes and emits the frame. Garbage before a marker is discarded, and
// a header with an impossible length is skipped one byte at a time until the
// next marker.
package framer

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/banshee-data/mmwave/internal/monitoring"
	"github.com/banshee-data/mmwave/internal/tlv"
)

// DefaultMaxFrameSize bounds the declared packet length.
const DefaultMaxFrameSize = 64 * 1024

// Handler receives each decoded frame. It runs on the goroutine that called
// Append and must not retain the Framer's input.
type Handler interface {
	HandleFrame(f *tlv.Frame)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(f *tlv.Frame)

func (fn HandlerFunc) HandleFrame(f *tlv.Frame) { fn(f) }

type Options struct {
	// MaxFrameSize rejects headers declaring a larger packet. Zero means
	// DefaultMaxFrameSize.
	MaxFrameSize int
	// DiscardTrailing drops any bytes that follow an emitted frame in the
	// same buffer instead of scanning them for the next frame.
	DiscardTrailing bool
	Logger          zerolog.Logger
	Metrics         *monitoring.Metrics
	// Channel labels the metrics.
	Channel string
}

// Stats is a snapshot of a Framer's counters.
type Stats struct {
	Frames         uint64
	FrameErrors    uint64
	RecordErrors   uint64
	BytesDiscarded uint64
	Resyncs        uint64
	Buffered       int64
}

// Fields renders the snapshot for structured logging.
func (s Stats) Fields() map[string]any {
	return map[string]any{
		"frames":          s.Frames,
		"frame_errors":    s.FrameErrors,
		"record_errors":   s.RecordErrors,
		"bytes_discarded": s.BytesDiscarded,
		"resyncs":         s.Resyncs,
		"buffered":        s.Buffered,
	}
}

// Framer is not safe for concurrent Append calls. Stats may be called from
// any goroutine.
type Framer struct {
	h    Handler
	opts Options
	log  zerolog.Logger
	buf  []byte

	frames       atomic.Uint64
	frameErrors  atomic.Uint64
	recordErrors atomic.Uint64
	discarded    atomic.Uint64
	resyncs      atomic.Uint64
	buffered     atomic.Int64

	nameFrames, nameFrameErrors, nameRecordErrors, nameDiscarded, nameResyncs string
}

func New(h Handler, opts Options) *Framer {
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = DefaultMaxFrameSize
	}
	if opts.MaxFrameSize < tlv.HeaderSize {
		opts.MaxFrameSize = tlv.HeaderSize
	}
	if opts.Channel == "" {
		opts.Channel = "data"
	}
	label := func(base string) string { return monitoring.Name(base, "channel", opts.Channel) }
	return &Framer{
		h:                h,
		opts:             opts,
		log:              opts.Logger.With().Str("component", "framer").Logger(),
		nameFrames:       label(monitoring.Frames),
		nameFrameErrors:  label(monitoring.FrameErrors),
		nameRecordErrors: label(monitoring.RecordErrors),
		nameDiscarded:    label(monitoring.BytesDiscarded),
		nameResyncs:      label(monitoring.Resyncs),
	}
}

// Append adds p to the buffer and emits every complete frame it now holds.
// p is copied; the caller may reuse it once Append returns.
func (f *Framer) Append(p []byte) {
	f.buf = append(f.buf, p...)
	defer func() { f.buffered.Store(int64(len(f.buf))) }()

	for len(f.buf) >= tlv.HeaderSize {
		k := tlv.FindMagic(f.buf)
		if k < 0 {
			// A marker may straddle the chunk boundary.
			f.discard(len(f.buf) - (tlv.MagicSize - 1))
			return
		}
		if k > 0 {
			f.discard(k)
			continue
		}

		length := int(binary.LittleEndian.Uint32(f.buf[tlv.MagicSize+4:]))
		if length < tlv.HeaderSize || length > f.opts.MaxFrameSize {
			f.log.Debug().Int("declared", length).Msg("corrupt packet length, resyncing")
			f.discard(1)
			continue
		}
		if len(f.buf) < length {
			return
		}

		f.emit(f.buf[:length])

		if f.opts.DiscardTrailing {
			if rest := len(f.buf) - length; rest > 0 {
				f.discarded.Add(uint64(rest))
				f.opts.Metrics.Add(f.nameDiscarded, rest)
			}
			f.buf = f.buf[:0]
			return
		}
		f.consume(length)
	}
}

// Reset drops any buffered bytes.
func (f *Framer) Reset() {
	f.buf = f.buf[:0]
	f.buffered.Store(0)
}

// Buffered reports how many bytes are waiting for a complete frame.
func (f *Framer) Buffered() int { return len(f.buf) }

func (f *Framer) Stats() Stats {
	return Stats{
		Frames:         f.frames.Load(),
		FrameErrors:    f.frameErrors.Load(),
		RecordErrors:   f.recordErrors.Load(),
		BytesDiscarded: f.discarded.Load(),
		Resyncs:        f.resyncs.Load(),
		Buffered:       f.buffered.Load(),
	}
}

func (f *Framer) emit(b []byte) {
	frame, err := tlv.Decode(b)
	if err != nil {
		// The header was validated above, so this only happens if Decode
		// grows stricter than the scan.
		f.frameErrors.Add(1)
		f.opts.Metrics.Inc(f.nameFrameErrors)
		f.log.Warn().Err(err).Msg("frame rejected")
		return
	}

	f.frames.Add(1)
	f.opts.Metrics.Inc(f.nameFrames)
	if frame.Err != nil {
		f.frameErrors.Add(1)
		f.opts.Metrics.Inc(f.nameFrameErrors)
		f.log.Warn().Err(frame.Err).
			Uint32("frame", frame.Header.FrameNumber).
			Int("records", len(frame.Records)).
			Msg("frame truncated")
	}
	for _, rec := range frame.Records {
		if rec.Err != nil {
			f.recordErrors.Add(1)
			f.opts.Metrics.Inc(f.nameRecordErrors)
			f.log.Debug().Err(rec.Err).Uint32("frame", frame.Header.FrameNumber).Msg("record skipped")
		}
	}

	if f.h != nil {
		f.h.HandleFrame(frame)
	}
}

func (f *Framer) discard(n int) {
	if n <= 0 {
		return
	}
	f.discarded.Add(uint64(n))
	f.resyncs.Add(1)
	f.opts.Metrics.Add(f.nameDiscarded, n)
	f.opts.Metrics.Inc(f.nameResyncs)
	f.log.Trace().Int("bytes", n).Msg("discarded")
	f.consume(n)
}

func (f *Framer) consume(n int) {
	rest := copy(f.buf, f.buf[n:])
	f.buf = f.buf[:rest]
}
