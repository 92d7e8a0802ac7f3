package guide

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/golang/geo/r2"
)

// Defaults for ControllerOpts.
const (
	DefaultMargin         = 5.0
	DefaultRate           = 0.5
	DefaultActiveInterval = time.Second
	DefaultIdleInterval   = 2 * time.Second
)

// ControllerOpts has options for a guiding controller.
type ControllerOpts struct {
	Margin         float64       // Offset in pixels, per image axis, tolerated without correction.
	Rate           float64       // Correction speed, multiple of sidereal.
	ActiveInterval time.Duration // Recheck interval while correcting.
	IdleInterval   time.Duration // Recheck interval while on target.
	Logger         *slog.Logger
}

// Controller keeps the tracked position at a lock point by issuing guide
// corrections.
type Controller struct {
	mount Mount
	pos   PositionSource
	cal   *Calibration
	opts  ControllerOpts

	correcting atomic.Bool
}

// NewController returns a controller for mount m. Opts may be nil.
func NewController(m Mount, pos PositionSource, cal *Calibration, opts *ControllerOpts) *Controller {
	xopts := ControllerOpts{}
	if opts != nil {
		xopts = *opts
	}
	if xopts.Margin <= 0 {
		xopts.Margin = DefaultMargin
	}
	if xopts.Rate <= 0 {
		xopts.Rate = DefaultRate
	}
	if xopts.ActiveInterval <= 0 {
		xopts.ActiveInterval = DefaultActiveInterval
	}
	if xopts.IdleInterval <= 0 {
		xopts.IdleInterval = DefaultIdleInterval
	}
	if xopts.Logger == nil {
		xopts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Controller{mount: m, pos: pos, cal: cal, opts: xopts}
}

// Correcting reports whether the last cycle issued a non-zero correction.
func (c *Controller) Correcting() bool {
	return c.correcting.Load()
}

// Run guides until ctx is cancelled, the tracked position is lost or the mount
// fails. Outstanding corrections are zeroed before Run returns. Cancellation
// is a normal stop and returns nil.
func (c *Controller) Run(ctx context.Context, lock r2.Point) error {
	defer c.correcting.Store(false)

	t := time.NewTimer(0)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			c.stop(ctx)
			return nil
		case <-t.C:
		}

		wait, err := c.cycle(ctx, lock)
		if err != nil {
			c.stop(ctx)
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		t.Reset(wait)
	}
}

// cycle issues a single correction and returns when to check again.
func (c *Controller) cycle(ctx context.Context, lock r2.Point) (time.Duration, error) {
	p, ok := c.pos.Position()
	if !ok {
		return 0, ErrTrackingLost
	}

	off := lock.Sub(p)
	if math.Abs(off.X) <= c.opts.Margin && math.Abs(off.Y) <= c.opts.Margin {
		if err := c.mount.Guide(ctx, 0, 0); err != nil {
			return 0, fmt.Errorf("zeroing guide correction: %w", err)
		}
		if c.correcting.Swap(false) {
			c.opts.Logger.Debug("on target", "dx", off.X, "dy", off.Y)
		}
		return c.opts.IdleInterval, nil
	}

	v := c.cal.ToAxes(off).Normalize().Mul(c.opts.Rate)
	if err := c.mount.Guide(ctx, v.X, v.Y); err != nil {
		return 0, fmt.Errorf("sending guide correction: %w", err)
	}
	c.correcting.Store(true)
	c.opts.Logger.Debug("correcting", "dx", off.X, "dy", off.Y, "primary", v.X, "secondary", v.Y)
	return c.opts.ActiveInterval, nil
}

func (c *Controller) stop(ctx context.Context) {
	if err := c.mount.Guide(context.WithoutCancel(ctx), 0, 0); err != nil {
		c.opts.Logger.Error("zeroing guide correction", "err", err)
	}
}
