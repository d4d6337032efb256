// Package config loads process configuration from defaults, an optional
// file, MMWAVE_* environment variables and command line overrides, in that
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/banshee-data/mmwave/internal/framer"
	"github.com/banshee-data/mmwave/internal/monitoring"
	"github.com/banshee-data/mmwave/internal/serialmux"
	"github.com/banshee-data/mmwave/internal/tlv"
)

// EnvPrefix is prepended to every environment override, e.g.
// MMWAVE_DATA_PATH=/dev/ttyUSB1.
const EnvPrefix = "MMWAVE"

const maxFileSize = 1 * 1024 * 1024 // 1MB

type Config struct {
	Command       PortConfig    `mapstructure:"command"`
	Data          PortConfig    `mapstructure:"data"`
	Output        OutputConfig  `mapstructure:"output"`
	Log           LogConfig     `mapstructure:"log"`
	Admin         AdminConfig   `mapstructure:"admin"`
	Framer        FramerConfig  `mapstructure:"framer"`
	StatsInterval time.Duration `mapstructure:"stats_interval"`
}

// PortConfig names a serial device and its line settings.
type PortConfig struct {
	Path                  string `mapstructure:"path"`
	serialmux.PortOptions `mapstructure:",squash"`
}

// Options returns the normalized line settings.
func (p PortConfig) Options() (serialmux.PortOptions, error) {
	return p.PortOptions.Normalize()
}

type OutputConfig struct {
	// JSONPath receives one rendered frame per line. Empty writes to stdout.
	JSONPath string `mapstructure:"json_path"`
	// Append keeps an existing JSONPath file instead of truncating it.
	Append bool `mapstructure:"append"`
	// Stdout echoes rendered frames to stdout as well as JSONPath.
	Stdout bool `mapstructure:"stdout"`
	// RawPath, when set, captures every byte read from the data port.
	RawPath string `mapstructure:"raw_path"`
	// DBPath, when set, stores decoded frames in SQLite.
	DBPath string `mapstructure:"db_path"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type AdminConfig struct {
	// Listen is the admin HTTP address. Empty disables the server.
	Listen string `mapstructure:"listen"`
}

type FramerConfig struct {
	MaxFrameSize    int  `mapstructure:"max_frame_size"`
	DiscardTrailing bool `mapstructure:"discard_trailing"`
}

// Options converts the settings for framer.New.
func (f FramerConfig) Options() framer.Options {
	return framer.Options{MaxFrameSize: f.MaxFrameSize, DiscardTrailing: f.DiscardTrailing}
}

var defaults = map[string]any{
	"command.path":            "/dev/ttyACM0",
	"command.baud_rate":       serialmux.CommandBaudRate,
	"command.data_bits":       8,
	"command.stop_bits":       1,
	"command.parity":          "N",
	"data.path":               "/dev/ttyACM1",
	"data.baud_rate":          serialmux.DataBaudRate,
	"data.data_bits":          8,
	"data.stop_bits":          1,
	"data.parity":             "N",
	"output.json_path":        "data.json",
	"output.append":           false,
	"output.stdout":           false,
	"output.raw_path":         "",
	"output.db_path":          "",
	"log.level":               "info",
	"log.format":              "console",
	"admin.listen":            "127.0.0.1:8080",
	"framer.max_frame_size":   framer.DefaultMaxFrameSize,
	"framer.discard_trailing": false,
	"stats_interval":          "30s",
}

// Keys lists every configuration key.
func Keys() []string {
	keys := make([]string, 0, len(defaults))
	for k := range defaults {
		keys = append(keys, k)
	}
	return keys
}

// Defaults returns the configuration used when nothing is overridden.
func Defaults() *Config {
	cfg, err := decode(newViper())
	if err != nil {
		// defaults is a literal above; failing to decode it is a programming error.
		panic(err)
	}
	return cfg
}

func newViper() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path when non-empty and applies overrides keyed by the dotted
// names returned by Keys. The result is validated.
func Load(path string, overrides map[string]any) (*Config, error) {
	v := newViper()

	if path != "" {
		if err := checkFile(path); err != nil {
			return nil, err
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	for k, val := range overrides {
		if _, ok := defaults[k]; !ok {
			return nil, fmt.Errorf("unknown config key %q", k)
		}
		v.Set(k, val)
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func checkFile(path string) error {
	switch ext := filepath.Ext(path); ext {
	case ".json", ".toml", ".yaml", ".yml":
	default:
		return fmt.Errorf("config file must be .json, .toml or .yaml, got %q", ext)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}
	return nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Validate checks that the configuration can be used to start the process.
func (c *Config) Validate() error {
	var errs []error
	for name, p := range map[string]PortConfig{"command": c.Command, "data": c.Data} {
		if strings.TrimSpace(p.Path) == "" {
			errs = append(errs, fmt.Errorf("%s.path must be set", name))
		}
		if p.BaudRate <= 0 {
			errs = append(errs, fmt.Errorf("%s.baud_rate must be positive, got %d", name, p.BaudRate))
		} else if _, err := p.Options(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if c.Framer.MaxFrameSize != 0 && c.Framer.MaxFrameSize < tlv.HeaderSize {
		errs = append(errs, fmt.Errorf("framer.max_frame_size must be at least %d, got %d", tlv.HeaderSize, c.Framer.MaxFrameSize))
	}
	if _, err := monitoring.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be console or json, got %q", c.Log.Format))
	}
	if c.StatsInterval < 0 {
		errs = append(errs, fmt.Errorf("stats_interval must not be negative, got %s", c.StatsInterval))
	}
	return errors.Join(errs...)
}
