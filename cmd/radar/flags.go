package main

import (
	"flag"
	"fmt"
	"io"
	"time"
)

// flagKeys maps command line flags onto configuration keys. Only flags set
// explicitly override the config file and environment.
var flagKeys = []struct {
	name, key, usage string
	bool             bool
}{
	{name: "command-port", key: "command.path", usage: "Command UART device"},
	{name: "command-baud", key: "command.baud_rate", usage: "Command UART baud rate"},
	{name: "data-port", key: "data.path", usage: "Data UART device"},
	{name: "data-baud", key: "data.baud_rate", usage: "Data UART baud rate"},
	{name: "output", key: "output.json_path", usage: "File receiving one JSON frame per line (empty for stdout)"},
	{name: "append", key: "output.append", usage: "Append to the output file instead of truncating it", bool: true},
	{name: "stdout", key: "output.stdout", usage: "Also print frames to stdout", bool: true},
	{name: "raw", key: "output.raw_path", usage: "Capture raw data port bytes to this file"},
	{name: "db", key: "output.db_path", usage: "Store decoded frames in this SQLite database"},
	{name: "listen", key: "admin.listen", usage: "Admin HTTP listen address (empty to disable)"},
	{name: "log-level", key: "log.level", usage: "Log level: trace, debug, info, warn, error or off"},
	{name: "log-format", key: "log.format", usage: "Log format: console or json"},
	{name: "max-frame-size", key: "framer.max_frame_size", usage: "Largest accepted frame in bytes"},
	{name: "discard-trailing", key: "framer.discard_trailing", usage: "Drop bytes following a frame in the same read", bool: true},
	{name: "stats-interval", key: "stats_interval", usage: "Interval between stats log lines (0 to disable)"},
}

type cliOptions struct {
	configPath  string
	profilePath string
	replayPath  string
	replayChunk int
	replayEvery time.Duration
	showVersion bool
	listPorts   bool
	overrides   map[string]any
}

func parseFlags(args []string, output io.Writer) (cliOptions, error) {
	fs := flag.NewFlagSet("radar", flag.ContinueOnError)
	fs.SetOutput(output)

	var opts cliOptions
	fs.StringVar(&opts.configPath, "config", "", "Config file (.toml, .yaml or .json)")
	fs.StringVar(&opts.profilePath, "cfg", "", "Sensor profile whose commands are sent at startup")
	fs.StringVar(&opts.replayPath, "replay", "", "Replay a raw capture instead of opening the data port")
	fs.IntVar(&opts.replayChunk, "replay-chunk", 512, "Bytes delivered per replay read")
	fs.DurationVar(&opts.replayEvery, "replay-interval", 10*time.Millisecond, "Delay between replay reads")
	fs.BoolVar(&opts.showVersion, "version", false, "Print version and exit")
	fs.BoolVar(&opts.listPorts, "list-ports", false, "List serial ports and exit")

	keyFor := make(map[string]string, len(flagKeys))
	for _, f := range flagKeys {
		keyFor[f.name] = f.key
		if f.bool {
			fs.Bool(f.name, false, f.usage)
		} else {
			fs.String(f.name, "", f.usage)
		}
	}

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, err
	}
	if fs.NArg() > 0 {
		return cliOptions{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	opts.overrides = make(map[string]any)
	fs.Visit(func(f *flag.Flag) {
		if key, ok := keyFor[f.Name]; ok {
			opts.overrides[key] = f.Value.String()
		}
	})
	return opts, nil
}
