package track

import (
	"errors"
	"image"
	"math"
	"testing"

	"github.com/golang/geo/r2"

	"github.com/skyframe/skyframe/frame"
)

// disk returns a dark Mono8 frame with a bright disk.
func disk(w, h int, cx, cy, r float64) *frame.Frame {
	f := &frame.Frame{}
	f.Reformat(w, h, frame.Mono8)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := byte(10) // Background, below threshold.
			if math.Hypot(float64(x)-cx, float64(y)-cy) <= r {
				v = 200
			}
			f.Pix[y*f.Stride+x] = v
		}
	}
	return f
}

// blob returns a Mono16 frame with a wide gaussian centred at cx, cy.
func blob(w, h int, cx, cy float64) *frame.Frame {
	f := &frame.Frame{}
	f.Reformat(w, h, frame.Mono16)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dx, dy := float64(x)-cx, float64(y)-cy
			v := uint16(1000 + 50000*math.Exp(-(dx*dx+dy*dy)/(2*8*8)))
			off := y*f.Stride + x*2
			f.Pix[off] = byte(v)
			f.Pix[off+1] = byte(v >> 8)
		}
	}
	return f
}

func TestCentroidConverges(t *testing.T) {
	area := image.Rect(20, 10, 60, 50)
	c, err := NewCentroid(disk(100, 80, 40, 30, 5), area, nil)
	if err != nil {
		t.Fatalf("new centroid tracker: %v", err)
	}

	truth := r2.Point{X: 43.4, Y: 32.6}
	res, err := c.Update(disk(100, 80, truth.X, truth.Y, 5))
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if d := res.Position.Sub(truth).Norm(); d > 1 {
		t.Fatalf("position %v is %.2f px from true center %v, expected at most 1", res.Position, d, truth)
	}
	// Area follows by the rounded delta.
	if res.Area.Min != image.Pt(23, 13) {
		t.Fatalf("area origin, got %v, expected (23,13)", res.Area.Min)
	}
	if res.Area.Size() != area.Size() {
		t.Fatalf("area size changed, got %v, expected %v", res.Area.Size(), area.Size())
	}
}

func TestCentroidRejectsJump(t *testing.T) {
	area := image.Rect(20, 20, 60, 60)
	c, err := NewCentroid(disk(100, 100, 24, 24, 3), area, nil)
	if err != nil {
		t.Fatalf("new centroid tracker: %v", err)
	}
	before := c.Area()

	// 32*sqrt(2) = 45.3 px, more than 75% of the 56.6 px diagonal.
	res, err := c.Update(disk(100, 100, 56, 56, 3))
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if res.Area != before || c.Area() != before {
		t.Fatalf("area moved on jump, got %v, expected %v", res.Area, before)
	}
	if d := res.Position.Sub(r2.Point{X: 24, Y: 24}).Norm(); d > 0.5 {
		t.Fatalf("position moved on jump, got %v", res.Position)
	}
}

func TestCentroidLosesTarget(t *testing.T) {
	area := image.Rect(0, 0, 20, 20)
	c, err := NewCentroid(disk(60, 60, 10, 10, 3), area, nil)
	if err != nil {
		t.Fatalf("new centroid tracker: %v", err)
	}
	// Moving the star up and left drags the area out of the frame.
	_, err = c.Update(disk(60, 60, 6, 6, 3))
	if !errors.Is(err, ErrTargetLost) || !Permanent(err) {
		t.Fatalf("update, got %v, expected %v", err, ErrTargetLost)
	}
}

func TestCentroidNoSignal(t *testing.T) {
	_, err := NewCentroid(disk(40, 40, -50, -50, 1), image.Rect(0, 0, 20, 20), nil)
	if !errors.Is(err, ErrNoSignal) {
		t.Fatalf("new centroid on dark frame, got %v, expected %v", err, ErrNoSignal)
	}
}

func TestAnchorGeometricConvergence(t *testing.T) {
	start := r2.Point{X: 60, Y: 60}
	a, err := NewAnchor(blob(120, 120, start.X, start.Y), start, nil)
	if err != nil {
		t.Fatalf("new anchor tracker: %v", err)
	}

	truth := r2.Point{X: 66, Y: 64}
	moved := blob(120, 120, truth.X, truth.Y)
	errPrev := truth.Sub(start)
	for i := 0; i < 5; i++ {
		res, err := a.Update(moved)
		if err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
		remaining := truth.Sub(res.Position)
		expected := errPrev.Mul(0.5)
		if remaining.Sub(expected).Norm() > 1e-9 {
			t.Fatalf("update %d: remaining error, got %v, expected %v", i, remaining, expected)
		}
		errPrev = remaining
	}
}

func TestAnchorOutOfBounds(t *testing.T) {
	start := r2.Point{X: 20, Y: 60}
	a, err := NewAnchor(blob(120, 120, start.X, start.Y), start, nil)
	if err != nil {
		t.Fatalf("new anchor tracker: %v", err)
	}
	res, err := a.Update(blob(120, 120, start.X, start.Y))
	if !errors.Is(err, ErrOutOfBounds) {
		t.Fatalf("update, got %v, expected %v", err, ErrOutOfBounds)
	}
	if Permanent(err) {
		t.Fatalf("out of bounds reported as permanent")
	}
	if res.Position != start || a.Position() != start {
		t.Fatalf("position changed on failed update, got %v", a.Position())
	}
}

func TestShared(t *testing.T) {
	var s Shared
	if _, ok := s.Position(); ok {
		t.Fatalf("empty shared position reported as valid")
	}
	s.Set(Result{Position: r2.Point{X: 1, Y: 2}, Area: image.Rect(0, 0, 4, 4)})
	p, ok := s.Position()
	if !ok || p != (r2.Point{X: 1, Y: 2}) {
		t.Fatalf("position, got %v %v, expected (1,2) true", p, ok)
	}
	if _, ok := s.Area(); !ok {
		t.Fatalf("missing area")
	}
	s.Clear()
	if _, ok := s.Position(); ok {
		t.Fatalf("cleared position reported as valid")
	}
}
