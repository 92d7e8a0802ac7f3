// Package synth simulates a camera looking at a single star, and a mount that
// moves the star across the sensor. Together they run capture, tracking,
// calibration and guiding without hardware.
package synth

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/geo/r2"

	"github.com/skyframe/skyframe/capture"
	"github.com/skyframe/skyframe/frame"
)

// Sky holds the image position of the star. The position moves with the
// drift and with the velocity set by a Mount.
type Sky struct {
	mu       sync.Mutex
	now      func() time.Time
	pos      r2.Point
	drift    r2.Point // Pixels per second.
	velocity r2.Point // Pixels per second, from the mount.
	last     time.Time
}

// NewSky returns a sky with the star at pos drifting at drift pixels per
// second. A nil now uses time.Now.
func NewSky(pos, drift r2.Point, now func() time.Time) *Sky {
	if now == nil {
		now = time.Now
	}
	return &Sky{now: now, pos: pos, drift: drift, last: now()}
}

// advance must be called with mu held.
func (s *Sky) advance() {
	t := s.now()
	dt := t.Sub(s.last).Seconds()
	s.last = t
	if dt > 0 {
		s.pos = s.pos.Add(s.drift.Add(s.velocity).Mul(dt))
	}
}

// Star returns the current position of the star.
func (s *Sky) Star() r2.Point {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()
	return s.pos
}

// Move puts the star at p.
func (s *Sky) Move(p r2.Point) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()
	s.pos = p
}

func (s *Sky) setVelocity(v r2.Point) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()
	s.velocity = v
}

// SourceOpts has options for a synthetic source.
type SourceOpts struct {
	Width    int               // Default 640.
	Height   int               // Default 480.
	Format   frame.PixelFormat // Default Mono8.
	Interval time.Duration     // Time between frames, 0 renders as fast as possible.

	Sigma      float64 // Star width in pixels, default 2.
	Peak       float64 // Star brightness as a fraction of full scale, default 0.8.
	Background float64 // Fraction of full scale, default 0.05.
	Noise      float64 // Standard deviation as a fraction of full scale, default 0.01, negative disables.
	Seed       uint64

	// FailAt makes the n-th call to Capture fail, counting from 1. Zero never
	// fails.
	FailAt int
}

// ErrInjected is returned by injected failures.
var ErrInjected = errors.New("injected failure")

// Source renders frames of a Sky.
type Source struct {
	sky  *Sky
	opts SourceOpts
	rnd  *rand.Rand
	next time.Time

	calls   int
	paused  atomic.Bool
	pauses  atomic.Int32
	resumes atomic.Int32
}

// Check that Source implements interface capture.Source.
var _ capture.Source = (*Source)(nil)

// NewSource returns a source rendering sky.
func NewSource(sky *Sky, opts *SourceOpts) *Source {
	s := &Source{sky: sky}
	if opts != nil {
		s.opts = *opts
	}
	o := &s.opts
	if o.Width <= 0 || o.Height <= 0 {
		o.Width, o.Height = 640, 480
	}
	if o.Sigma <= 0 {
		o.Sigma = 2
	}
	if o.Peak <= 0 {
		o.Peak = 0.8
	}
	if o.Background <= 0 {
		o.Background = 0.05
	}
	if o.Noise < 0 {
		o.Noise = 0
	} else if o.Noise == 0 {
		o.Noise = 0.01
	}
	s.rnd = rand.New(rand.NewPCG(o.Seed, o.Seed^0x9e3779b97f4a7c15))
	return s
}

// Capture waits for the frame interval and renders the star into f.
func (s *Source) Capture(f *frame.Frame) error {
	s.calls++
	if s.opts.FailAt > 0 && s.calls == s.opts.FailAt {
		return fmt.Errorf("capture %d: %w", s.calls, ErrInjected)
	}
	if s.opts.Interval > 0 {
		now := time.Now()
		if s.next.After(now) {
			time.Sleep(s.next.Sub(now))
			now = s.next
		}
		s.next = now.Add(s.opts.Interval)
	}
	f.Reformat(s.opts.Width, s.opts.Height, s.opts.Format)
	s.render(f, s.sky.Star())
	return nil
}

func (s *Source) render(f *frame.Frame, star r2.Point) {
	o := s.opts
	full := f.Format.MaxValue()
	bpp := f.Format.BytesPerPixel()
	k := -1 / (2 * o.Sigma * o.Sigma)
	reach := 4 * o.Sigma

	for y := 0; y < f.Height; y++ {
		row := f.Pix[y*f.Stride:]
		dy := float64(y) - star.Y
		near := math.Abs(dy) <= reach
		for x := 0; x < f.Width; x++ {
			v := o.Background
			if o.Noise > 0 {
				v += s.rnd.NormFloat64() * o.Noise
			}
			if near {
				dx := float64(x) - star.X
				if math.Abs(dx) <= reach {
					v += o.Peak * math.Exp((dx*dx+dy*dy)*k)
				}
			}
			n := uint16(math.Round(math.Min(math.Max(v, 0), 1) * full))
			switch bpp {
			case 1:
				row[x] = uint8(n)
			case 2:
				row[x*2+0] = uint8(n)
				row[x*2+1] = uint8(n >> 8)
			case 3:
				row[x*3+0] = uint8(n)
				row[x*3+1] = uint8(n)
				row[x*3+2] = uint8(n)
			}
		}
	}
}

// Pause implements capture.Source.
func (s *Source) Pause() error {
	s.paused.Store(true)
	s.pauses.Add(1)
	return nil
}

// Resume implements capture.Source.
func (s *Source) Resume() error {
	s.paused.Store(false)
	s.resumes.Add(1)
	return nil
}

// Paused reports whether the source is paused.
func (s *Source) Paused() bool {
	return s.paused.Load()
}
