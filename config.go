package reframe

import (
	"errors"
	"fmt"
)

// Config defaults
const (
	DefaultWidth               = 720
	DefaultHeight              = 720
	DefaultBitrateBps          = 3_000_000
	DefaultKeyframeIntervalSec = 1
)

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("invalid transcode config")

// Config describes one transcode run.
type Config struct {
	InputPath  string `yaml:"input"`
	OutputPath string `yaml:"output"`

	// Target frame size. Both must be positive and even.
	Width  int `yaml:"width,omitempty"`
	Height int `yaml:"height,omitempty"`

	// FragmentShader is a built-in shader name or GLSL source.
	// Empty selects the identity pass.
	FragmentShader string `yaml:"shader,omitempty"`

	Backend             RendererBackend `yaml:"backend,omitempty"`
	BitrateBps          int             `yaml:"bitrate_bps,omitempty"`
	KeyframeIntervalSec int             `yaml:"keyframe_interval_sec,omitempty"`
}

// DefaultConfig returns a config with the default frame size and encoder
// settings. Paths are left empty.
func DefaultConfig() Config {
	return Config{
		Width:               DefaultWidth,
		Height:              DefaultHeight,
		BitrateBps:          DefaultBitrateBps,
		KeyframeIntervalSec: DefaultKeyframeIntervalSec,
	}
}

// WithDefaults fills unset fields from defaults.
func (c Config) WithDefaults(defaults Config) Config {
	if c.InputPath == "" {
		c.InputPath = defaults.InputPath
	}
	if c.OutputPath == "" {
		c.OutputPath = defaults.OutputPath
	}
	if c.Width == 0 {
		c.Width = defaults.Width
	}
	if c.Height == 0 {
		c.Height = defaults.Height
	}
	if c.FragmentShader == "" {
		c.FragmentShader = defaults.FragmentShader
	}
	if c.Backend == BackendAuto {
		c.Backend = defaults.Backend
	}
	if c.BitrateBps == 0 {
		c.BitrateBps = defaults.BitrateBps
	}
	if c.KeyframeIntervalSec == 0 {
		c.KeyframeIntervalSec = defaults.KeyframeIntervalSec
	}
	return c
}

// Validate checks that the config can start a run.
func (c Config) Validate() error {
	var errs []error
	if c.InputPath == "" {
		errs = append(errs, errors.New("input path is required"))
	}
	if c.OutputPath == "" {
		errs = append(errs, errors.New("output path is required"))
	}
	if c.InputPath != "" && c.InputPath == c.OutputPath {
		errs = append(errs, errors.New("input and output paths are the same"))
	}
	if c.Width <= 0 || c.Height <= 0 {
		errs = append(errs, fmt.Errorf("frame size %dx%d must be positive", c.Width, c.Height))
	} else if c.Width%2 != 0 || c.Height%2 != 0 {
		errs = append(errs, fmt.Errorf("frame size %dx%d must be even", c.Width, c.Height))
	}
	if c.BitrateBps < 0 {
		errs = append(errs, fmt.Errorf("bitrate %d is negative", c.BitrateBps))
	}
	if c.KeyframeIntervalSec < 0 {
		errs = append(errs, fmt.Errorf("keyframe interval %d is negative", c.KeyframeIntervalSec))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}
