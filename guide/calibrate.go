package guide

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/golang/geo/r2"
)

// Defaults for CalibratorOpts.
const (
	DefaultSlewDuration    = 2 * time.Second
	DefaultMinDisplacement = 5.0
)

// CalibratorOpts has options for a calibrator.
type CalibratorOpts struct {
	SlewDuration    time.Duration // How long each axis is slewed.
	MinDisplacement float64       // Minimum movement in pixels for an axis to count as connected.
	Logger          *slog.Logger
}

// Calibrator determines the image directions of the mount axes.
type Calibrator struct {
	mount Mount
	pos   PositionSource
	opts  CalibratorOpts
}

// NewCalibrator returns a calibrator slewing m and observing pos. Opts may be
// nil.
func NewCalibrator(m Mount, pos PositionSource, opts *CalibratorOpts) *Calibrator {
	xopts := CalibratorOpts{}
	if opts != nil {
		xopts = *opts
	}
	if xopts.SlewDuration <= 0 {
		xopts.SlewDuration = DefaultSlewDuration
	}
	if xopts.MinDisplacement <= 0 {
		xopts.MinDisplacement = DefaultMinDisplacement
	}
	if xopts.Logger == nil {
		xopts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Calibrator{mount: m, pos: pos, opts: xopts}
}

// Run slews the primary and then the secondary axis at speed, each for the
// slew duration, and derives the calibration from the measured displacements.
// On error no calibration is returned and the axes are stopped.
func (c *Calibrator) Run(ctx context.Context, speed float64) (*Calibration, error) {
	origin, ok := c.pos.Position()
	if !ok {
		return nil, ErrNoPosition
	}

	var dirs [2]r2.Point
	for _, axis := range []Axis{Primary, Secondary} {
		d, err := c.measure(ctx, axis, speed)
		if err != nil {
			return nil, fmt.Errorf("calibrating %s axis: %w", axis, err)
		}
		if d.Norm() < c.opts.MinDisplacement {
			return nil, fmt.Errorf("calibrating %s axis, moved %.1f px, need %.1f: %w", axis, d.Norm(), c.opts.MinDisplacement, ErrDisplacementTooSmall)
		}
		dirs[axis] = d.Normalize()
		c.opts.Logger.Info("axis calibrated", "axis", axis.String(), "dx", d.X, "dy", d.Y)
	}

	cal, err := NewCalibration(dirs[Primary], dirs[Secondary])
	if err != nil {
		return nil, err
	}
	cal.Origin = origin
	cal.Speed = speed
	return cal, nil
}

// measure slews axis for the slew duration and returns the displacement of
// the tracked position.
func (c *Calibrator) measure(ctx context.Context, axis Axis, speed float64) (r2.Point, error) {
	start, ok := c.pos.Position()
	if !ok {
		return r2.Point{}, ErrNoPosition
	}
	if err := c.mount.Slew(ctx, axis, speed); err != nil {
		c.stop(ctx, axis)
		return r2.Point{}, fmt.Errorf("starting slew: %w", err)
	}

	t := time.NewTimer(c.opts.SlewDuration)
	select {
	case <-ctx.Done():
		t.Stop()
		c.stop(ctx, axis)
		return r2.Point{}, ctx.Err()
	case <-t.C:
	}

	if err := c.mount.Slew(ctx, axis, 0); err != nil {
		c.stop(ctx, axis)
		return r2.Point{}, fmt.Errorf("stopping slew: %w", err)
	}
	end, ok := c.pos.Position()
	if !ok {
		return r2.Point{}, ErrNoPosition
	}
	return end.Sub(start), nil
}

// stop zeroes the motion of axis, also when ctx is already cancelled.
func (c *Calibrator) stop(ctx context.Context, axis Axis) {
	if err := c.mount.Slew(context.WithoutCancel(ctx), axis, 0); err != nil {
		c.opts.Logger.Error("stopping axis after failed calibration", "axis", axis.String(), "err", err)
	}
}
