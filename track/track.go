// Package track follows a feature through a stream of frames.
//
// Two strategies are provided: Centroid follows the brightness centroid of a
// rectangular area, Anchor follows a reference block by block matching.
package track

import (
	"errors"
	"image"
	"math"
	"sync"

	"github.com/golang/geo/r2"

	"github.com/skyframe/skyframe/frame"
)

var (
	// ErrTargetLost is returned when the tracked area left the frame.
	// Tracking cannot continue.
	ErrTargetLost = errors.New("target left the frame")

	// ErrOutOfBounds is returned when the search window of a single update
	// does not fit in the frame. The tracker remains usable.
	ErrOutOfBounds = errors.New("search window outside frame")

	// ErrNoSignal is returned when nothing in the area is above the
	// brightness threshold.
	ErrNoSignal = errors.New("no signal in tracking area")
)

// Result is the outcome of a successful update.
type Result struct {
	Position r2.Point
	Area     image.Rectangle // Tracked area. Empty for trackers without an area.
}

// Tracker updates a tracked position from a new frame.
type Tracker interface {
	Update(f *frame.Frame) (Result, error)
}

// Permanent reports whether err from Tracker.Update means tracking cannot
// continue.
func Permanent(err error) bool {
	return errors.Is(err, ErrTargetLost)
}

// Shared holds the latest tracked position, written by the capture loop and
// read by guiding and calibration.
type Shared struct {
	mu   sync.Mutex
	pos  r2.Point
	area image.Rectangle
	ok   bool
}

// Set stores a new position.
func (s *Shared) Set(r Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pos = r.Position
	s.area = r.Area
	s.ok = true
}

// Clear marks the position as unknown.
func (s *Shared) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ok = false
}

// Position returns the latest position, and false if nothing is tracked.
func (s *Shared) Position() (r2.Point, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos, s.ok
}

// Area returns the latest tracked area, if any.
func (s *Shared) Area() (image.Rectangle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.area, s.ok && !s.area.Empty()
}

func roundPoint(p r2.Point) image.Point {
	return image.Pt(int(math.Round(p.X)), int(math.Round(p.Y)))
}

func toR2(p image.Point) r2.Point {
	return r2.Point{X: float64(p.X), Y: float64(p.Y)}
}
