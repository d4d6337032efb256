package serialmux

import (
	"bytes"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/banshee-data/mmwave/internal/monitoring"
	"github.com/banshee-data/mmwave/internal/sink"
)

// maxPendingLine bounds the partial line kept between reads.
const maxPendingLine = 4096

type CommandOptions struct {
	ChannelOptions
	// Out receives the sensor's CLI output verbatim. Nil means os.Stdout.
	Out io.Writer
	// Lines, when set, receives each complete output line.
	Lines *sink.Tap
}

// CommandChannel is the sensor's CLI link. Commands are written
// newline-terminated and everything the sensor prints is copied to Out.
type CommandChannel struct {
	*Channel
	out     io.Writer
	lines   *sink.Tap
	pending []byte
	log     zerolog.Logger
	metrics *monitoring.Metrics
}

func NewCommandChannel(opts CommandOptions) *CommandChannel {
	if opts.Name == "" {
		opts.Name = "command"
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	c := &CommandChannel{
		out:     opts.Out,
		lines:   opts.Lines,
		log:     opts.Logger.With().Str("channel", opts.Name).Logger(),
		metrics: opts.Metrics,
	}
	opts.Handler = c
	c.Channel = NewChannel(opts.ChannelOptions)
	return c
}

// SendCommand queues command for the sensor, appending a newline if missing.
func (c *CommandChannel) SendCommand(command string) error {
	if !strings.HasSuffix(command, "\n") {
		command += "\n" // ensure command ends with a newline
	}
	if err := c.AsyncWrite([]byte(command)); err != nil {
		return err
	}
	c.metrics.Inc(monitoring.CommandsSent)
	c.log.Debug().Str("command", strings.TrimSpace(command)).Msg("command queued")
	return nil
}

func (c *CommandChannel) OnRead(p []byte) {
	if _, err := c.out.Write(p); err != nil {
		c.log.Warn().Err(err).Msg("command output write failed")
	}
	if c.lines == nil {
		return
	}

	c.pending = append(c.pending, p...)
	for {
		i := bytes.IndexByte(c.pending, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(c.pending[:i]), "\r")
		c.pending = c.pending[i+1:]
		if line != "" {
			c.lines.Publish(line)
		}
	}
	if len(c.pending) > maxPendingLine {
		c.lines.Publish(string(c.pending))
		c.pending = c.pending[:0]
	}
	if len(c.pending) == 0 {
		c.pending = nil
	}
}

func (c *CommandChannel) OnWriteComplete() {}
