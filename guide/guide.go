// Package guide steers a mount so that a tracked feature stays at a fixed
// image position.
//
// A Calibrator slews each mount axis in turn and measures how the tracked
// position moves, giving a Calibration that maps image offsets to axis
// speeds. A Controller then issues proportional corrections in a loop.
package guide

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/golang/geo/r2"
)

// Axis is a mount axis.
type Axis int

// Mount axes.
const (
	Primary Axis = iota
	Secondary
)

func (a Axis) String() string {
	switch a {
	case Primary:
		return "primary"
	case Secondary:
		return "secondary"
	}
	return fmt.Sprintf("axis(%d)", int(a))
}

// Mount is a positioning device. Speeds are signed multiples of the sidereal
// rate.
type Mount interface {
	// Slew moves a single axis at speed until the next Slew of that axis.
	// Speed 0 stops the axis.
	Slew(ctx context.Context, axis Axis, speed float64) error

	// Guide sets the correction speed of both axes.
	Guide(ctx context.Context, primary, secondary float64) error

	// SetTracking turns sidereal tracking on or off.
	SetTracking(ctx context.Context, on bool) error
}

// PositionSource provides the latest tracked position in image coordinates.
// The boolean is false when nothing is tracked.
type PositionSource interface {
	Position() (r2.Point, bool)
}

var (
	// ErrDegenerate is returned for calibration directions that are parallel
	// or anti-parallel, or zero.
	ErrDegenerate = errors.New("calibration directions are not independent")

	// ErrDisplacementTooSmall is returned when a calibration slew hardly
	// moved the tracked position.
	ErrDisplacementTooSmall = errors.New("calibration displacement too small")

	// ErrNoPosition is returned when an operation needs a tracked position
	// and there is none.
	ErrNoPosition = errors.New("no tracked position")

	// ErrTrackingLost is returned by Controller.Run when the tracked
	// position disappears while guiding.
	ErrTrackingLost = errors.New("tracking lost while guiding")
)

// Calibration maps image space offsets to mount axis space.
type Calibration struct {
	Origin    r2.Point // Tracked position when calibration started.
	Primary   r2.Point // Image direction of the primary axis, unit length.
	Secondary r2.Point // Image direction of the secondary axis, unit length.
	Speed     float64  // Slew speed used for calibration.

	inv [2][2]float64
}

// NewCalibration returns the calibration for the given image space directions
// of the two axes. The directions need not be unit length.
func NewCalibration(primary, secondary r2.Point) (*Calibration, error) {
	if primary.Norm() == 0 || secondary.Norm() == 0 {
		return nil, ErrDegenerate
	}
	p := primary.Normalize()
	s := secondary.Normalize()

	// Matrix with columns p and s.
	det := p.Cross(s)
	if math.Abs(det) < 1e-9 {
		return nil, ErrDegenerate
	}
	c := &Calibration{Primary: p, Secondary: s}
	c.inv = [2][2]float64{
		{s.Y / det, -s.X / det},
		{-p.Y / det, p.X / det},
	}
	return c, nil
}

// ToAxes transforms an image space vector to axis space.
func (c *Calibration) ToAxes(v r2.Point) r2.Point {
	return r2.Point{
		X: c.inv[0][0]*v.X + c.inv[0][1]*v.Y,
		Y: c.inv[1][0]*v.X + c.inv[1][1]*v.Y,
	}
}
