package synth

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang/geo/r2"

	"github.com/skyframe/skyframe/guide"
)

// MountOpts has options for a simulated mount.
type MountOpts struct {
	// Image directions in which the star moves for a positive speed of each
	// axis. Defaults (1,0) and (0,1).
	Primary   r2.Point
	Secondary r2.Point

	// Scale is the star speed in pixels per second at sidereal rate, default
	// 10.
	Scale float64

	// Drift in pixels per second while sidereal tracking is off. Default
	// Primary * Scale.
	Untracked *r2.Point
}

// Mount moves the star of a Sky.
type Mount struct {
	sky  *Sky
	opts MountOpts

	mu       sync.Mutex
	slew     [2]float64
	guide    [2]float64
	tracking bool
	fail     error
	calls    int
}

// Check that Mount implements interface guide.Mount.
var _ guide.Mount = (*Mount)(nil)

// NewMount returns a tracking mount moving the star of sky.
func NewMount(sky *Sky, opts *MountOpts) *Mount {
	m := &Mount{sky: sky, tracking: true}
	if opts != nil {
		m.opts = *opts
	}
	if m.opts.Primary == (r2.Point{}) {
		m.opts.Primary = r2.Point{X: 1}
	}
	if m.opts.Secondary == (r2.Point{}) {
		m.opts.Secondary = r2.Point{Y: 1}
	}
	if m.opts.Scale <= 0 {
		m.opts.Scale = 10
	}
	return m
}

// FailNext makes the next call to the mount return err.
func (m *Mount) FailNext(err error) {
	m.mu.Lock()
	m.fail = err
	m.mu.Unlock()
}

// Calls returns the number of successful calls to the mount.
func (m *Mount) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Rates returns the current combined speeds of both axes.
func (m *Mount) Rates() (primary, secondary float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.slew[0] + m.guide[0], m.slew[1] + m.guide[1]
}

// Slew implements guide.Mount.
func (m *Mount) Slew(ctx context.Context, axis guide.Axis, speed float64) error {
	if axis != guide.Primary && axis != guide.Secondary {
		return fmt.Errorf("slew: unknown %v", axis)
	}
	return m.update(ctx, func() { m.slew[axis] = speed })
}

// Guide implements guide.Mount.
func (m *Mount) Guide(ctx context.Context, primary, secondary float64) error {
	return m.update(ctx, func() { m.guide = [2]float64{primary, secondary} })
}

// SetTracking implements guide.Mount.
func (m *Mount) SetTracking(ctx context.Context, on bool) error {
	return m.update(ctx, func() { m.tracking = on })
}

func (m *Mount) update(ctx context.Context, fn func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail; err != nil {
		m.fail = nil
		return err
	}
	m.calls++
	fn()

	p := m.slew[0] + m.guide[0]
	s := m.slew[1] + m.guide[1]
	v := m.opts.Primary.Mul(p * m.opts.Scale).Add(m.opts.Secondary.Mul(s * m.opts.Scale))
	if !m.tracking {
		if m.opts.Untracked != nil {
			v = v.Add(*m.opts.Untracked)
		} else {
			v = v.Add(m.opts.Primary.Mul(m.opts.Scale))
		}
	}
	m.sky.setVelocity(v)
	return nil
}
