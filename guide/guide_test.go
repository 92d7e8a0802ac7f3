package guide

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/golang/geo/r2"
)

func near(a, b r2.Point) bool {
	return math.Abs(a.X-b.X) <= 1e-9 && math.Abs(a.Y-b.Y) <= 1e-9
}

func TestCalibrationMatrix(t *testing.T) {
	h := 1 / math.Sqrt2
	cases := []struct {
		primary, secondary r2.Point
		expected           r2.Point // Axis direction for image correction (1,0).
	}{
		{r2.Point{X: 1, Y: 0}, r2.Point{X: 0, Y: 1}, r2.Point{X: 1, Y: 0}},
		{r2.Point{X: 1, Y: 1}, r2.Point{X: -1, Y: 1}, r2.Point{X: h, Y: -h}},
		{r2.Point{X: -1, Y: 1}, r2.Point{X: -1, Y: -1}, r2.Point{X: -h, Y: -h}},
		{r2.Point{X: -1, Y: -1}, r2.Point{X: 1, Y: -1}, r2.Point{X: -h, Y: h}},
		{r2.Point{X: 1, Y: -1}, r2.Point{X: 1, Y: 1}, r2.Point{X: h, Y: h}},
		{r2.Point{X: 1, Y: 1}, r2.Point{X: 1, Y: -1}, r2.Point{X: h, Y: h}},
		{r2.Point{X: -1, Y: 1}, r2.Point{X: 1, Y: 1}, r2.Point{X: -h, Y: h}},
		{r2.Point{X: -1, Y: -1}, r2.Point{X: -1, Y: 1}, r2.Point{X: -h, Y: -h}},
		{r2.Point{X: 1, Y: -1}, r2.Point{X: -1, Y: -1}, r2.Point{X: h, Y: -h}},
	}
	for _, c := range cases {
		cal, err := NewCalibration(c.primary, c.secondary)
		if err != nil {
			t.Fatalf("calibration for %v %v: %v", c.primary, c.secondary, err)
		}
		got := cal.ToAxes(r2.Point{X: 1, Y: 0}).Normalize()
		if !near(got, c.expected) {
			t.Fatalf("calibration for %v %v, got %v, expected %v", c.primary, c.secondary, got, c.expected)
		}
	}
}

func TestCalibrationInverse(t *testing.T) {
	cal, err := NewCalibration(r2.Point{X: 2, Y: 1}, r2.Point{X: 0.3, Y: 1})
	if err != nil {
		t.Fatalf("new calibration: %v", err)
	}
	if got := cal.ToAxes(cal.Primary); !near(got, r2.Point{X: 1, Y: 0}) {
		t.Fatalf("primary direction, got %v, expected (1,0)", got)
	}
	if got := cal.ToAxes(cal.Secondary); !near(got, r2.Point{X: 0, Y: 1}) {
		t.Fatalf("secondary direction, got %v, expected (0,1)", got)
	}
}

func TestCalibrationDegenerate(t *testing.T) {
	cases := [][2]r2.Point{
		{{X: 1, Y: 2}, {X: 2, Y: 4}},
		{{X: 1, Y: 2}, {X: -1, Y: -2}},
		{{X: 1, Y: 0}, {X: -3, Y: 0}},
		{{X: 0, Y: 0}, {X: 0, Y: 1}},
	}
	for _, c := range cases {
		_, err := NewCalibration(c[0], c[1])
		if !errors.Is(err, ErrDegenerate) {
			t.Fatalf("calibration for %v %v, got %v, expected %v", c[0], c[1], err, ErrDegenerate)
		}
	}
}

// simMount moves a position by dir*speed*10 px each time an axis is stopped.
type simMount struct {
	mu       sync.Mutex
	dirs     [2]r2.Point
	speed    [2]float64
	pos      r2.Point
	tracked  bool
	slewErr  error
	guideErr error
	guides   chan [2]float64
}

func newSimMount(primary, secondary r2.Point) *simMount {
	return &simMount{dirs: [2]r2.Point{primary, secondary}, tracked: true, guides: make(chan [2]float64, 1000)}
}

func (m *simMount) Slew(ctx context.Context, axis Axis, speed float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.slewErr != nil && speed != 0 {
		return m.slewErr
	}
	if speed == 0 {
		m.pos = m.pos.Add(m.dirs[axis].Mul(m.speed[axis] * 10))
	}
	m.speed[axis] = speed
	return nil
}

func (m *simMount) Guide(ctx context.Context, primary, secondary float64) error {
	select {
	case m.guides <- [2]float64{primary, secondary}:
	default:
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.guideErr
}

func (m *simMount) SetTracking(ctx context.Context, on bool) error {
	return nil
}

func (m *simMount) Position() (r2.Point, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pos, m.tracked
}

func (m *simMount) set(p r2.Point, tracked bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pos = p
	m.tracked = tracked
}

func TestCalibratorRun(t *testing.T) {
	m := newSimMount(r2.Point{X: 3, Y: 4}, r2.Point{X: -4, Y: 3})
	m.pos = r2.Point{X: 100, Y: 100}
	c := NewCalibrator(m, m, &CalibratorOpts{SlewDuration: 5 * time.Millisecond})
	cal, err := c.Run(context.Background(), 2)
	if err != nil {
		t.Fatalf("calibrate: %v", err)
	}
	if !near(cal.Primary, r2.Point{X: 0.6, Y: 0.8}) {
		t.Fatalf("primary, got %v, expected (0.6,0.8)", cal.Primary)
	}
	if !near(cal.Secondary, r2.Point{X: -0.8, Y: 0.6}) {
		t.Fatalf("secondary, got %v, expected (-0.8,0.6)", cal.Secondary)
	}
	if cal.Origin != (r2.Point{X: 100, Y: 100}) || cal.Speed != 2 {
		t.Fatalf("origin/speed, got %v/%v, expected (100,100)/2", cal.Origin, cal.Speed)
	}
	if m.speed != [2]float64{} {
		t.Fatalf("axes still moving after calibration: %v", m.speed)
	}
}

func TestCalibratorFailures(t *testing.T) {
	m := newSimMount(r2.Point{X: 0.1, Y: 0}, r2.Point{X: 0, Y: 1})
	c := NewCalibrator(m, m, &CalibratorOpts{SlewDuration: time.Millisecond})
	if _, err := c.Run(context.Background(), 1); !errors.Is(err, ErrDisplacementTooSmall) {
		t.Fatalf("calibrate with tiny motion, got %v, expected %v", err, ErrDisplacementTooSmall)
	}

	m = newSimMount(r2.Point{X: 1, Y: 0}, r2.Point{X: -1, Y: 0})
	c = NewCalibrator(m, m, &CalibratorOpts{SlewDuration: time.Millisecond})
	if _, err := c.Run(context.Background(), 1); !errors.Is(err, ErrDegenerate) {
		t.Fatalf("calibrate with anti-parallel axes, got %v, expected %v", err, ErrDegenerate)
	}

	mountErr := errors.New("mount offline")
	m = newSimMount(r2.Point{X: 1, Y: 0}, r2.Point{X: 0, Y: 1})
	m.slewErr = mountErr
	c = NewCalibrator(m, m, &CalibratorOpts{SlewDuration: time.Millisecond})
	if _, err := c.Run(context.Background(), 1); !errors.Is(err, mountErr) {
		t.Fatalf("calibrate with failing mount, got %v, expected %v", err, mountErr)
	}

	m = newSimMount(r2.Point{X: 1, Y: 0}, r2.Point{X: 0, Y: 1})
	m.tracked = false
	c = NewCalibrator(m, m, nil)
	if _, err := c.Run(context.Background(), 1); !errors.Is(err, ErrNoPosition) {
		t.Fatalf("calibrate without position, got %v, expected %v", err, ErrNoPosition)
	}
}

func nextGuide(t *testing.T, m *simMount) [2]float64 {
	t.Helper()
	select {
	case g := <-m.guides:
		return g
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for guide command")
	}
	return [2]float64{}
}

func TestControllerCorrects(t *testing.T) {
	cal, err := NewCalibration(r2.Point{X: 1, Y: 0}, r2.Point{X: 0, Y: 1})
	if err != nil {
		t.Fatalf("new calibration: %v", err)
	}
	m := newSimMount(r2.Point{}, r2.Point{})
	m.set(r2.Point{X: 110, Y: 100}, true)

	c := NewController(m, m, cal, &ControllerOpts{Rate: 0.5, ActiveInterval: time.Millisecond, IdleInterval: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.Run(ctx, r2.Point{X: 100, Y: 100})
	}()

	if g := nextGuide(t, m); g != [2]float64{-0.5, 0} {
		t.Fatalf("guide, got %v, expected [-0.5 0]", g)
	}

	// Within margin on both axes.
	m.set(r2.Point{X: 103, Y: 96}, true)
	for {
		if g := nextGuide(t, m); g == [2]float64{0, 0} {
			break
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run after cancel: %v", err)
	}
	if c.Correcting() {
		t.Fatalf("still correcting after stop")
	}
}

func TestControllerTrackingLost(t *testing.T) {
	cal, _ := NewCalibration(r2.Point{X: 1, Y: 0}, r2.Point{X: 0, Y: 1})
	m := newSimMount(r2.Point{}, r2.Point{})
	m.set(r2.Point{}, false)
	c := NewController(m, m, cal, nil)
	err := c.Run(context.Background(), r2.Point{})
	if !errors.Is(err, ErrTrackingLost) {
		t.Fatalf("run, got %v, expected %v", err, ErrTrackingLost)
	}
	if g := nextGuide(t, m); g != [2]float64{0, 0} {
		t.Fatalf("guide after loss, got %v, expected zero", g)
	}
}

func TestControllerMountFailure(t *testing.T) {
	cal, _ := NewCalibration(r2.Point{X: 1, Y: 0}, r2.Point{X: 0, Y: 1})
	mountErr := errors.New("serial port closed")
	m := newSimMount(r2.Point{}, r2.Point{})
	m.set(r2.Point{X: 50, Y: 50}, true)
	m.guideErr = mountErr
	c := NewController(m, m, cal, nil)
	err := c.Run(context.Background(), r2.Point{})
	if !errors.Is(err, mountErr) {
		t.Fatalf("run, got %v, expected %v", err, mountErr)
	}
	nextGuide(t, m)
	if g := nextGuide(t, m); g != [2]float64{0, 0} {
		t.Fatalf("final guide, got %v, expected zero", g)
	}
}
