// Package config holds the skyframe configuration, read with viper from a
// YAML file and SKYFRAME_ environment variables.
package config

import (
	"errors"
	"fmt"
	"image"
	"strings"
	"time"

	"github.com/golang/geo/r2"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment variables overriding config keys,
// e.g. SKYFRAME_CAPTURE_SOURCE for capture.source.
const EnvPrefix = "SKYFRAME"

// Config is the complete configuration.
type Config struct {
	Capture   CaptureConfig   `mapstructure:"capture"`
	Synthetic SyntheticConfig `mapstructure:"synthetic"`
	Recording RecordingConfig `mapstructure:"recording"`
	Tracking  TrackingConfig  `mapstructure:"tracking"`
	Guiding   GuidingConfig   `mapstructure:"guiding"`
	Preview   PreviewConfig   `mapstructure:"preview"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// CaptureConfig selects and configures the frame source.
type CaptureConfig struct {
	// Source is one of "synthetic", "ffmpeg", "gstreamer", "imagesnap" or
	// "dir".
	Source string `mapstructure:"source"`
	// Device for the capture tool, empty for the first device found.
	Device string `mapstructure:"device"`
	// Dir is watched for images with source "dir".
	Dir      string        `mapstructure:"dir"`
	Width    int           `mapstructure:"width"`
	Height   int           `mapstructure:"height"`
	Interval time.Duration `mapstructure:"interval"`
	// Timeout after which a missing frame is skipped.
	Timeout time.Duration `mapstructure:"timeout"`
	// Mono converts color images from capture tools to gray.
	Mono bool `mapstructure:"mono"`
	// Format of synthetic frames, e.g. "mono16" or "bayer_rggb8".
	Format string `mapstructure:"format"`
	// InfoInterval between periodic capture statistics.
	InfoInterval time.Duration `mapstructure:"info_interval"`
}

// SyntheticConfig describes the simulated star field.
type SyntheticConfig struct {
	Star   []float64 `mapstructure:"star"`  // x, y
	Drift  []float64 `mapstructure:"drift"` // pixels per second
	Sigma  float64   `mapstructure:"sigma"`
	Noise  float64   `mapstructure:"noise"`
	Seed   uint64    `mapstructure:"seed"`
	Scale  float64   `mapstructure:"scale"`  // Simulated mount, pixels per second at sidereal rate.
	Rotate float64   `mapstructure:"rotate"` // Simulated mount axis rotation in degrees.
}

// RecordingConfig configures the recording started by "skyframe run".
type RecordingConfig struct {
	// Output is the stream file or sequence directory. Empty records nothing.
	Output string `mapstructure:"output"`
	// Kind is "stream" or "sequence".
	Kind string `mapstructure:"kind"`
	// ImageFormat of sequence files, "png" or "tiff".
	ImageFormat string `mapstructure:"image_format"`
	// Frames limits the recording to a number of frames, 0 for no limit.
	Frames uint64 `mapstructure:"frames"`
	// Duration limits the recording in time, 0 for no limit.
	Duration time.Duration `mapstructure:"duration"`
	// Crop is x0, y0, x1, y1, empty for whole frames.
	Crop []int `mapstructure:"crop"`
	// CeilingMB is the memory allowed for frames waiting to be written.
	CeilingMB int64 `mapstructure:"ceiling_mb"`
}

// TrackingConfig selects a tracker.
type TrackingConfig struct {
	// Mode is "none", "centroid" or "anchor".
	Mode string `mapstructure:"mode"`
	// Area is x0, y0, x1, y1 for centroid tracking.
	Area []int `mapstructure:"area"`
	// Point is x, y for anchor tracking.
	Point        []float64 `mapstructure:"point"`
	Threshold    float64   `mapstructure:"threshold"`
	JumpLimit    float64   `mapstructure:"jump_limit"`
	BlockSize    int       `mapstructure:"block_size"`
	SearchRadius int       `mapstructure:"search_radius"`
	SearchStep   int       `mapstructure:"search_step"`
}

// GuidingConfig configures the mount, calibration and guiding.
type GuidingConfig struct {
	// Mount is "none", "simulated" or "socket".
	Mount string `mapstructure:"mount"`
	// Socket of a running mount daemon.
	Socket string `mapstructure:"socket"`
	// Daemon executable to start when Socket is empty.
	Daemon   string        `mapstructure:"daemon"`
	TraceDir string        `mapstructure:"trace_dir"`
	Timeout  time.Duration `mapstructure:"timeout"`

	// Enabled calibrates and then guides on the tracked position.
	Enabled         bool          `mapstructure:"enabled"`
	Speed           float64       `mapstructure:"speed"`
	SlewDuration    time.Duration `mapstructure:"slew_duration"`
	MinDisplacement float64       `mapstructure:"min_displacement"`
	Margin          float64       `mapstructure:"margin"`
	Rate            float64       `mapstructure:"rate"`
	ActiveInterval  time.Duration `mapstructure:"active_interval"`
	IdleInterval    time.Duration `mapstructure:"idle_interval"`
}

// PreviewConfig configures the websocket preview server.
type PreviewConfig struct {
	// Addr to listen on, empty to disable.
	Addr      string `mapstructure:"addr"`
	MaxWidth  int    `mapstructure:"max_width"`
	MaxHeight int    `mapstructure:"max_height"`
	Quality   int    `mapstructure:"quality"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
	// File receives JSON logs. Empty logs text to stderr.
	File string `mapstructure:"file"`
}

// Default returns the configuration used without config file.
func Default() *Config {
	return &Config{
		Capture: CaptureConfig{
			Source:       "synthetic",
			Width:        640,
			Height:       480,
			Interval:     100 * time.Millisecond,
			Timeout:      2 * time.Second,
			Format:       "mono8",
			InfoInterval: time.Second,
		},
		Synthetic: SyntheticConfig{
			Star:  []float64{320, 240},
			Drift: []float64{0.5, 0.25},
			Sigma: 2,
			Noise: 0.01,
			Scale: 10,
		},
		Recording: RecordingConfig{
			Kind:        "stream",
			ImageFormat: "png",
			CeilingMB:   2048,
		},
		Tracking: TrackingConfig{
			Mode:         "none",
			Threshold:    0.12,
			JumpLimit:    0.75,
			BlockSize:    32,
			SearchRadius: 16,
			SearchStep:   8,
		},
		Guiding: GuidingConfig{
			Mount:           "none",
			Timeout:         5 * time.Second,
			Speed:           1,
			SlewDuration:    2 * time.Second,
			MinDisplacement: 5,
			Margin:          5,
			Rate:            0.5,
			ActiveInterval:  time.Second,
			IdleInterval:    2 * time.Second,
		},
		Preview: PreviewConfig{
			MaxWidth:  800,
			MaxHeight: 600,
			Quality:   80,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// SetDefaults registers the default values with v.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("capture.source", d.Capture.Source)
	v.SetDefault("capture.device", d.Capture.Device)
	v.SetDefault("capture.dir", d.Capture.Dir)
	v.SetDefault("capture.width", d.Capture.Width)
	v.SetDefault("capture.height", d.Capture.Height)
	v.SetDefault("capture.interval", d.Capture.Interval)
	v.SetDefault("capture.timeout", d.Capture.Timeout)
	v.SetDefault("capture.mono", d.Capture.Mono)
	v.SetDefault("capture.format", d.Capture.Format)
	v.SetDefault("capture.info_interval", d.Capture.InfoInterval)

	v.SetDefault("synthetic.star", d.Synthetic.Star)
	v.SetDefault("synthetic.drift", d.Synthetic.Drift)
	v.SetDefault("synthetic.sigma", d.Synthetic.Sigma)
	v.SetDefault("synthetic.noise", d.Synthetic.Noise)
	v.SetDefault("synthetic.seed", d.Synthetic.Seed)
	v.SetDefault("synthetic.scale", d.Synthetic.Scale)
	v.SetDefault("synthetic.rotate", d.Synthetic.Rotate)

	v.SetDefault("recording.output", d.Recording.Output)
	v.SetDefault("recording.kind", d.Recording.Kind)
	v.SetDefault("recording.image_format", d.Recording.ImageFormat)
	v.SetDefault("recording.frames", d.Recording.Frames)
	v.SetDefault("recording.duration", d.Recording.Duration)
	v.SetDefault("recording.crop", d.Recording.Crop)
	v.SetDefault("recording.ceiling_mb", d.Recording.CeilingMB)

	v.SetDefault("tracking.mode", d.Tracking.Mode)
	v.SetDefault("tracking.area", d.Tracking.Area)
	v.SetDefault("tracking.point", d.Tracking.Point)
	v.SetDefault("tracking.threshold", d.Tracking.Threshold)
	v.SetDefault("tracking.jump_limit", d.Tracking.JumpLimit)
	v.SetDefault("tracking.block_size", d.Tracking.BlockSize)
	v.SetDefault("tracking.search_radius", d.Tracking.SearchRadius)
	v.SetDefault("tracking.search_step", d.Tracking.SearchStep)

	v.SetDefault("guiding.mount", d.Guiding.Mount)
	v.SetDefault("guiding.socket", d.Guiding.Socket)
	v.SetDefault("guiding.daemon", d.Guiding.Daemon)
	v.SetDefault("guiding.trace_dir", d.Guiding.TraceDir)
	v.SetDefault("guiding.timeout", d.Guiding.Timeout)
	v.SetDefault("guiding.enabled", d.Guiding.Enabled)
	v.SetDefault("guiding.speed", d.Guiding.Speed)
	v.SetDefault("guiding.slew_duration", d.Guiding.SlewDuration)
	v.SetDefault("guiding.min_displacement", d.Guiding.MinDisplacement)
	v.SetDefault("guiding.margin", d.Guiding.Margin)
	v.SetDefault("guiding.rate", d.Guiding.Rate)
	v.SetDefault("guiding.active_interval", d.Guiding.ActiveInterval)
	v.SetDefault("guiding.idle_interval", d.Guiding.IdleInterval)

	v.SetDefault("preview.addr", d.Preview.Addr)
	v.SetDefault("preview.max_width", d.Preview.MaxWidth)
	v.SetDefault("preview.max_height", d.Preview.MaxHeight)
	v.SetDefault("preview.quality", d.Preview.Quality)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.file", d.Logging.File)
}

// Setup registers defaults and environment lookup with v, and selects the
// config file at path, if any.
func Setup(v *viper.Viper, path string) {
	SetDefaults(v)
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("skyframe")
		v.SetConfigType("yaml")
		v.AddConfigPath("$HOME/.config/skyframe")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix(EnvPrefix)
	// Nested keys use underscores, e.g. SKYFRAME_GUIDING_MOUNT.
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load reads the configuration from v, after Setup. A missing config file is
// not an error unless it was named explicitly.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}
	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if errs := c.Validate(); len(errs) > 0 {
		return nil, errs
	}
	return c, nil
}

// LoadFile reads the config file at path with defaults and environment
// overrides applied.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	Setup(v, path)
	return Load(v)
}

// Rect converts x0, y0, x1, y1 to a rectangle. Empty gives an empty rectangle.
func Rect(v []int) image.Rectangle {
	if len(v) != 4 {
		return image.Rectangle{}
	}
	return image.Rect(v[0], v[1], v[2], v[3])
}

// Point converts x, y to a point.
func Point(v []float64) r2.Point {
	if len(v) != 2 {
		return r2.Point{}
	}
	return r2.Point{X: v[0], Y: v[1]}
}
