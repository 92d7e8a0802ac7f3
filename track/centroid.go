package track

import (
	"fmt"
	"image"
	"math"

	"github.com/golang/geo/r2"

	"github.com/skyframe/skyframe/frame"
)

// Defaults for CentroidOpts.
const (
	DefaultThreshold = 0.12
	DefaultJumpLimit = 0.75
)

// CentroidOpts has options for a centroid tracker.
type CentroidOpts struct {
	// Pixels below this fraction of the full range are ignored.
	Threshold float64

	// Centroid moves larger than this fraction of the area diagonal are
	// treated as noise.
	JumpLimit float64
}

// Centroid tracks the brightness centroid within a rectangular area, moving
// the area along with the centroid.
type Centroid struct {
	opts   CentroidOpts
	area   image.Rectangle
	offset r2.Point // Desired centroid position relative to area origin.
	last   r2.Point // Last accepted centroid, in frame coordinates.
}

var _ Tracker = (*Centroid)(nil)

// NewCentroid starts tracking the centroid of area in f. Opts may be nil.
func NewCentroid(f *frame.Frame, area image.Rectangle, opts *CentroidOpts) (*Centroid, error) {
	xopts := CentroidOpts{}
	if opts != nil {
		xopts = *opts
	}
	if xopts.Threshold <= 0 {
		xopts.Threshold = DefaultThreshold
	}
	if xopts.JumpLimit <= 0 {
		xopts.JumpLimit = DefaultJumpLimit
	}

	if area.Empty() || !area.In(f.Bounds()) {
		return nil, fmt.Errorf("area %v not within frame %v: %w", area, f.Bounds(), ErrTargetLost)
	}
	c := &Centroid{opts: xopts, area: area}
	p, ok := c.centroid(f)
	if !ok {
		return nil, ErrNoSignal
	}
	c.last = p
	c.offset = p.Sub(toR2(area.Min))
	return c, nil
}

// Update measures the centroid in the current area and moves the area so the
// centroid is at the desired offset again. A jump larger than the limit leaves
// the area unchanged and returns the previous result.
func (c *Centroid) Update(f *frame.Frame) (Result, error) {
	if !c.area.In(f.Bounds()) {
		return Result{}, ErrTargetLost
	}
	p, ok := c.centroid(f)
	if !ok {
		return c.result(), ErrNoSignal
	}

	delta := p.Sub(c.last)
	diag := math.Hypot(float64(c.area.Dx()), float64(c.area.Dy()))
	if delta.Norm() > c.opts.JumpLimit*diag {
		return c.result(), nil
	}

	// Area origin moves by the rounded centroid delta.
	area := c.area.Add(roundPoint(p.Sub(c.offset)).Sub(c.area.Min))
	if !area.In(f.Bounds()) {
		return Result{}, ErrTargetLost
	}
	c.area = area
	c.last = p
	return c.result(), nil
}

// Area returns the current tracking area.
func (c *Centroid) Area() image.Rectangle {
	return c.area
}

// Current returns the last accepted centroid and area.
func (c *Centroid) Current() Result {
	return c.result()
}

func (c *Centroid) result() Result {
	return Result{Position: c.last, Area: c.area}
}

// centroid returns the intensity weighted centroid of the thresholded area in
// frame coordinates.
func (c *Centroid) centroid(f *frame.Frame) (r2.Point, bool) {
	threshold := c.opts.Threshold * f.Format.MaxValue()
	var sum, sx, sy float64
	for y := c.area.Min.Y; y < c.area.Max.Y; y++ {
		for x := c.area.Min.X; x < c.area.Max.X; x++ {
			v := f.Value(x, y)
			if v < threshold {
				continue
			}
			sum += v
			sx += v * float64(x)
			sy += v * float64(y)
		}
	}
	if sum == 0 {
		return r2.Point{}, false
	}
	return r2.Point{X: sx / sum, Y: sy / sum}, true
}
