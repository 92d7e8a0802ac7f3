package track

import (
	"fmt"
	"image"
	"math"

	"github.com/golang/geo/r2"

	"github.com/skyframe/skyframe/frame"
)

// Defaults for AnchorOpts.
const (
	DefaultBlockSize    = 32
	DefaultSearchRadius = 16
	DefaultSearchStep   = 8
)

// AnchorOpts has options for an anchor tracker.
type AnchorOpts struct {
	BlockSize    int // Side of the square reference block, in pixels.
	SearchRadius int // Initial search radius around the current position.
	SearchStep   int // Initial distance between candidates.
}

// Anchor tracks a reference block captured at start by coarse to fine block
// matching. Position updates are damped by one half.
type Anchor struct {
	opts AnchorOpts
	pos  r2.Point
	ref  []float64
}

var _ Tracker = (*Anchor)(nil)

// NewAnchor captures the reference block around p in f. Opts may be nil.
func NewAnchor(f *frame.Frame, p r2.Point, opts *AnchorOpts) (*Anchor, error) {
	xopts := AnchorOpts{}
	if opts != nil {
		xopts = *opts
	}
	if xopts.BlockSize <= 0 {
		xopts.BlockSize = DefaultBlockSize
	}
	if xopts.SearchRadius <= 0 {
		xopts.SearchRadius = DefaultSearchRadius
	}
	if xopts.SearchStep <= 0 {
		xopts.SearchStep = DefaultSearchStep
	}

	a := &Anchor{opts: xopts, pos: p}
	block := a.block(roundPoint(p))
	if !block.In(f.Bounds()) {
		return nil, fmt.Errorf("reference block %v: %w", block, ErrOutOfBounds)
	}
	n := xopts.BlockSize
	a.ref = make([]float64, 0, n*n)
	for y := block.Min.Y; y < block.Max.Y; y++ {
		for x := block.Min.X; x < block.Max.X; x++ {
			a.ref = append(a.ref, f.Value(x, y))
		}
	}
	return a, nil
}

// Update searches the reference block around the current position and moves
// the position half way towards the best match.
func (a *Anchor) Update(f *frame.Frame) (Result, error) {
	center := roundPoint(a.pos)
	r := a.opts.SearchRadius
	window := a.block(center).Inset(-r)
	if !window.In(f.Bounds()) {
		return Result{Position: a.pos}, ErrOutOfBounds
	}

	best := center
	radius, step := a.opts.SearchRadius, a.opts.SearchStep
	for step > 0 {
		origin := best
		bestCost := math.Inf(1)
		for dy := -radius; dy <= radius; dy += step {
			for dx := -radius; dx <= radius; dx += step {
				c := origin.Add(image.Pt(dx, dy))
				block := a.block(c)
				if !block.In(f.Bounds()) {
					continue
				}
				cost := a.ssd(f, block, bestCost)
				if cost < bestCost {
					bestCost = cost
					best = c
				}
			}
		}
		radius /= 2
		step /= 2
	}

	a.pos = a.pos.Add(toR2(best).Sub(a.pos).Mul(0.5))
	return Result{Position: a.pos}, nil
}

// Position returns the current estimate.
func (a *Anchor) Position() r2.Point {
	return a.pos
}

// block returns the reference block rectangle centred on c.
func (a *Anchor) block(c image.Point) image.Rectangle {
	half := a.opts.BlockSize / 2
	o := c.Sub(image.Pt(half, half))
	return image.Rectangle{Min: o, Max: o.Add(image.Pt(a.opts.BlockSize, a.opts.BlockSize))}
}

// ssd returns the sum of squared differences between the reference and block,
// stopping early once limit is exceeded.
func (a *Anchor) ssd(f *frame.Frame, block image.Rectangle, limit float64) float64 {
	var sum float64
	i := 0
	for y := block.Min.Y; y < block.Max.Y; y++ {
		for x := block.Min.X; x < block.Max.X; x++ {
			d := f.Value(x, y) - a.ref[i]
			sum += d * d
			i++
		}
		if sum > limit {
			return sum
		}
	}
	return sum
}
