package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/skyframe/skyframe/frame"
	"github.com/skyframe/skyframe/logging"
)

// ValidationError is a single invalid config value.
type ValidationError struct {
	Field   string // Config key, e.g. "capture.width".
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is returned by Load for an invalid config.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 1 {
		return e[0].Error()
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// Valid choices for enumerated settings.
var (
	Sources        = []string{"synthetic", "ffmpeg", "gstreamer", "imagesnap", "dir"}
	RecordingKinds = []string{"stream", "sequence"}
	TrackingModes  = []string{"none", "centroid", "anchor"}
	Mounts         = []string{"none", "simulated", "socket"}
)

type validator struct {
	errs ValidationErrors
}

func (v *validator) add(field string, value any, format string, args ...any) {
	v.errs = append(v.errs, ValidationError{Field: field, Value: value, Message: fmt.Sprintf(format, args...)})
}

func (v *validator) oneOf(field, value string, choices []string) {
	if !slices.Contains(choices, value) {
		v.add(field, value, "must be one of: %s", strings.Join(choices, ", "))
	}
}

func (v *validator) positive(field string, value float64) {
	if value <= 0 {
		v.add(field, value, "must be positive")
	}
}

func (v *validator) duration(field string, value time.Duration) {
	if value <= 0 {
		v.add(field, value, "must be positive")
	}
}

// Validate returns all invalid values of c.
func (c *Config) Validate() ValidationErrors {
	v := &validator{}

	cc := c.Capture
	v.oneOf("capture.source", cc.Source, Sources)
	if cc.Source == "dir" && cc.Dir == "" {
		v.add("capture.dir", cc.Dir, "required for source dir")
	}
	v.positive("capture.width", float64(cc.Width))
	v.positive("capture.height", float64(cc.Height))
	v.duration("capture.interval", cc.Interval)
	v.duration("capture.timeout", cc.Timeout)
	v.duration("capture.info_interval", cc.InfoInterval)
	if _, ok := frame.ParsePixelFormat(cc.Format); !ok {
		v.add("capture.format", cc.Format, "unknown pixel format")
	}

	sc := c.Synthetic
	if len(sc.Star) != 2 {
		v.add("synthetic.star", sc.Star, "must be x, y")
	}
	if len(sc.Drift) != 0 && len(sc.Drift) != 2 {
		v.add("synthetic.drift", sc.Drift, "must be x, y")
	}
	v.positive("synthetic.sigma", sc.Sigma)
	v.positive("synthetic.scale", sc.Scale)

	rc := c.Recording
	v.oneOf("recording.kind", rc.Kind, RecordingKinds)
	if rc.Kind == "sequence" {
		if rc.ImageFormat != "png" && rc.ImageFormat != "tiff" {
			v.add("recording.image_format", rc.ImageFormat, "must be png or tiff")
		}
	}
	if rc.Frames > 0 && rc.Duration > 0 {
		v.add("recording.frames", rc.Frames, "frames and duration are exclusive")
	}
	if rc.Duration < 0 {
		v.add("recording.duration", rc.Duration, "must not be negative")
	}
	if len(rc.Crop) != 0 && (len(rc.Crop) != 4 || Rect(rc.Crop).Empty()) {
		v.add("recording.crop", rc.Crop, "must be x0, y0, x1, y1 of a non-empty area")
	}
	v.positive("recording.ceiling_mb", float64(rc.CeilingMB))

	tc := c.Tracking
	v.oneOf("tracking.mode", tc.Mode, TrackingModes)
	switch tc.Mode {
	case "centroid":
		if len(tc.Area) != 4 || Rect(tc.Area).Empty() {
			v.add("tracking.area", tc.Area, "must be x0, y0, x1, y1 of a non-empty area")
		}
	case "anchor":
		if len(tc.Point) != 2 {
			v.add("tracking.point", tc.Point, "must be x, y")
		}
	}
	if tc.Threshold <= 0 || tc.Threshold >= 1 {
		v.add("tracking.threshold", tc.Threshold, "must be between 0 and 1")
	}
	if tc.JumpLimit <= 0 || tc.JumpLimit > 1 {
		v.add("tracking.jump_limit", tc.JumpLimit, "must be in (0, 1]")
	}
	v.positive("tracking.block_size", float64(tc.BlockSize))
	v.positive("tracking.search_radius", float64(tc.SearchRadius))
	v.positive("tracking.search_step", float64(tc.SearchStep))

	gc := c.Guiding
	v.oneOf("guiding.mount", gc.Mount, Mounts)
	if gc.Mount == "simulated" && c.Capture.Source != "synthetic" {
		v.add("guiding.mount", gc.Mount, "simulated mount requires the synthetic source")
	}
	if gc.Mount == "socket" && gc.Socket == "" && gc.Daemon == "" {
		v.add("guiding.socket", gc.Socket, "socket or daemon required for mount socket")
	}
	if gc.Enabled {
		if gc.Mount == "none" {
			v.add("guiding.enabled", gc.Enabled, "requires a mount")
		}
		if tc.Mode == "none" {
			v.add("guiding.enabled", gc.Enabled, "requires tracking")
		}
	}
	if gc.Speed == 0 {
		v.add("guiding.speed", gc.Speed, "must not be zero")
	}
	v.duration("guiding.timeout", gc.Timeout)
	v.duration("guiding.slew_duration", gc.SlewDuration)
	v.positive("guiding.min_displacement", gc.MinDisplacement)
	v.positive("guiding.margin", gc.Margin)
	v.positive("guiding.rate", gc.Rate)
	v.duration("guiding.active_interval", gc.ActiveInterval)
	v.duration("guiding.idle_interval", gc.IdleInterval)

	pc := c.Preview
	if pc.Addr != "" {
		v.positive("preview.max_width", float64(pc.MaxWidth))
		v.positive("preview.max_height", float64(pc.MaxHeight))
		if pc.Quality < 1 || pc.Quality > 100 {
			v.add("preview.quality", pc.Quality, "must be between 1 and 100")
		}
	}

	if _, ok := logging.ParseLevel(c.Logging.Level); !ok {
		v.add("logging.level", c.Logging.Level, "must be one of: %s", strings.Join(logging.ValidLevels(), ", "))
	}

	return v.errs
}
