// Package config loads capture settings.
//
// Values are layered: built-in defaults, then the optional YAML file, then
// SCREENCAST_* environment variables. Command-line flags are applied by the
// caller on top and Validate is run last.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"go2tv.app/portalcapture/capture"
	"go2tv.app/portalcapture/internal/logging"
	"go2tv.app/portalcapture/internal/stream"
	"go2tv.app/portalcapture/internal/xdgportal"
	"go2tv.app/portalcapture/screencast"
)

const (
	EnvWidth       = "SCREENCAST_WIDTH"
	EnvHeight      = "SCREENCAST_HEIGHT"
	EnvFPS         = "SCREENCAST_FPS"
	EnvHeadless    = "SCREENCAST_HEADLESS"
	EnvStepTimeout = "SCREENCAST_STEP_TIMEOUT"

	maxDimension = 8192
	maxFPS       = 1000
)

type Config struct {
	Capture CaptureConfig `yaml:"capture"`
	Portal  PortalConfig  `yaml:"portal"`
	Stream  StreamConfig  `yaml:"stream"`
	Display DisplayConfig `yaml:"display"`
	Log     LogConfig     `yaml:"log"`
}

// CaptureConfig is the proposed stream format. The media server has the
// final say.
type CaptureConfig struct {
	Width  uint32 `yaml:"width"`
	Height uint32 `yaml:"height"`
	FPS    uint32 `yaml:"fps"`
	Layout string `yaml:"layout"`

	// FixedSize stops the portal's reported stream size from replacing
	// Width and Height.
	FixedSize bool `yaml:"fixed_size"`
}

type PortalConfig struct {
	StepTimeout  time.Duration `yaml:"step_timeout"`
	SourceTypes  []string      `yaml:"source_types"`
	Cursor       string        `yaml:"cursor"`
	Multiple     bool          `yaml:"multiple"`
	Persist      string        `yaml:"persist"`
	RestoreToken string        `yaml:"restore_token"`
	StreamIndex  int           `yaml:"stream_index"`
}

type StreamConfig struct {
	MaxFormatMismatches int `yaml:"max_format_mismatches"`
}

type DisplayConfig struct {
	Title    string `yaml:"title"`
	Headless bool   `yaml:"headless"`
	// DigestEvery is how often the headless display hashes a frame.
	DigestEvery int `yaml:"digest_every"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

func Default() *Config {
	return &Config{
		Capture: CaptureConfig{
			Width:  capture.DefaultFormat.Width,
			Height: capture.DefaultFormat.Height,
			FPS:    capture.DefaultFormat.FrameRateNum,
			Layout: capture.DefaultFormat.Layout.String(),
		},
		Portal: PortalConfig{
			StepTimeout: xdgportal.DefaultStepTimeout,
			SourceTypes: []string{"monitor"},
			Cursor:      "embedded",
			Persist:     "none",
		},
		Stream: StreamConfig{
			MaxFormatMismatches: stream.DefaultMaxFormatMismatches,
		},
		Display: DisplayConfig{
			Title:       "Screen Capture",
			DigestEvery: 30,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load returns the defaults merged with path (skipped when empty) and the
// environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from SCREENCAST_* variables. Out-of-range
// numbers are clamped; unparsable values are ignored.
func (c *Config) ApplyEnv() error {
	c.Capture.Width = uint32(IntEnvClamped(EnvWidth, int(c.Capture.Width), 1, maxDimension))
	c.Capture.Height = uint32(IntEnvClamped(EnvHeight, int(c.Capture.Height), 1, maxDimension))
	c.Capture.FPS = uint32(IntEnvClamped(EnvFPS, int(c.Capture.FPS), 1, maxFPS))
	c.Display.Headless = BoolEnv(EnvHeadless, c.Display.Headless)

	if v := strings.TrimSpace(os.Getenv(EnvStepTimeout)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvStepTimeout, err)
		}
		c.Portal.StepTimeout = d
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	if _, err := c.Format(); err != nil {
		errs = append(errs, err)
	}
	if c.Capture.Width > maxDimension || c.Capture.Height > maxDimension {
		errs = append(errs, fmt.Errorf("capture size %dx%d exceeds %d", c.Capture.Width, c.Capture.Height, maxDimension))
	}
	if c.Capture.FPS > maxFPS {
		errs = append(errs, fmt.Errorf("capture.fps %d exceeds %d", c.Capture.FPS, maxFPS))
	}
	if c.Portal.StepTimeout <= 0 {
		errs = append(errs, fmt.Errorf("portal.step_timeout must be positive, got %s", c.Portal.StepTimeout))
	}
	if _, err := c.sourceTypes(); err != nil {
		errs = append(errs, err)
	}
	if _, ok := cursorModes[c.Portal.Cursor]; !ok {
		errs = append(errs, fmt.Errorf("portal.cursor %q is not one of hidden, embedded, metadata", c.Portal.Cursor))
	}
	if _, ok := persistModes[c.Portal.Persist]; !ok {
		errs = append(errs, fmt.Errorf("portal.persist %q is not one of none, running, persistent", c.Portal.Persist))
	}
	if c.Portal.StreamIndex < 0 {
		errs = append(errs, fmt.Errorf("portal.stream_index must be >= 0, got %d", c.Portal.StreamIndex))
	}
	if c.Stream.MaxFormatMismatches < 1 {
		errs = append(errs, fmt.Errorf("stream.max_format_mismatches must be >= 1, got %d", c.Stream.MaxFormatMismatches))
	}
	if c.Display.DigestEvery < 1 {
		errs = append(errs, fmt.Errorf("display.digest_every must be >= 1, got %d", c.Display.DigestEvery))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format %q is not text or json", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", capture.ErrInvalidOptions, errors.Join(errs...))
	}
	return nil
}

// Format is the proposed stream format.
func (c *Config) Format() (capture.StreamFormat, error) {
	layout, err := capture.ParsePixelLayout(c.Capture.Layout)
	if err != nil {
		return capture.StreamFormat{}, err
	}
	f := capture.StreamFormat{
		Layout:       layout,
		Width:        c.Capture.Width,
		Height:       c.Capture.Height,
		FrameRateNum: c.Capture.FPS,
		FrameRateDen: 1,
	}
	return f, f.Validate()
}

var sourceTypeBits = map[string]uint32{
	"monitor": xdgportal.SourceTypeMonitor,
	"window":  xdgportal.SourceTypeWindow,
	"virtual": xdgportal.SourceTypeVirtual,
}

var cursorModes = map[string]uint32{
	"hidden":   xdgportal.CursorModeHidden,
	"embedded": xdgportal.CursorModeEmbedded,
	"metadata": xdgportal.CursorModeMetadata,
}

var persistModes = map[string]uint32{
	"none":       xdgportal.PersistModeNone,
	"running":    xdgportal.PersistModeRunning,
	"persistent": xdgportal.PersistModePersistent,
}

func (c *Config) sourceTypes() (uint32, error) {
	var mask uint32
	for _, name := range c.Portal.SourceTypes {
		bit, ok := sourceTypeBits[strings.ToLower(name)]
		if !ok {
			return 0, fmt.Errorf("portal.source_types: unknown source type %q", name)
		}
		mask |= bit
	}
	return mask, nil
}

// SessionOptions converts a validated config.
func (c *Config) SessionOptions() (screencast.Options, error) {
	if err := c.Validate(); err != nil {
		return screencast.Options{}, err
	}
	format, _ := c.Format()
	types, _ := c.sourceTypes()
	return screencast.Options{
		Target:    format,
		FixedSize: c.Capture.FixedSize,
		Portal: xdgportal.Options{
			StepTimeout:  c.Portal.StepTimeout,
			SourceTypes:  types,
			CursorMode:   cursorModes[c.Portal.Cursor],
			Multiple:     c.Portal.Multiple,
			PersistMode:  persistModes[c.Portal.Persist],
			RestoreToken: c.Portal.RestoreToken,
			StreamIndex:  c.Portal.StreamIndex,
		},
		MaxFormatMismatches: c.Stream.MaxFormatMismatches,
	}, nil
}

func (c *Config) LogOptions() logging.Options {
	return logging.Options{Level: c.Log.Level, Format: c.Log.Format, File: c.Log.File}
}

func BoolEnv(name string, defaultValue bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	if v == "" {
		return defaultValue
	}

	switch v {
	case "1", "true", "on", "yes":
		return true
	case "0", "false", "off", "no":
		return false
	default:
		return defaultValue
	}
}

func IntEnvClamped(name string, defaultValue, minValue, maxValue int) int {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return defaultValue
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}

	if minValue <= maxValue {
		n = max(minValue, min(n, maxValue))
	}
	return n
}
