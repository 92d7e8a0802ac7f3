package session

import (
	"context"
	"errors"
	"image"
	"testing"
	"time"

	"github.com/golang/geo/r2"
	"github.com/spf13/afero"

	"github.com/skyframe/skyframe/capture"
	"github.com/skyframe/skyframe/capture/synth"
	"github.com/skyframe/skyframe/frame"
	"github.com/skyframe/skyframe/guide"
	"github.com/skyframe/skyframe/recording"
	"github.com/skyframe/skyframe/sink"
)

type fixture struct {
	sky   *synth.Sky
	src   *synth.Source
	mount *synth.Mount
	s     *Session
	errc  chan error
	stop  context.CancelFunc
}

func start(t *testing.T, src *synth.SourceOpts, opts *Opts) *fixture {
	t.Helper()
	f := &fixture{sky: synth.NewSky(r2.Point{X: 50, Y: 50}, r2.Point{}, nil)}
	f.src = synth.NewSource(f.sky, src)
	if opts == nil {
		opts = &Opts{}
	}
	if opts.Mount == nil {
		f.mount = synth.NewMount(f.sky, &synth.MountOpts{Scale: 50})
		opts.Mount = f.mount
	}
	f.s = New(f.src, opts)

	ctx, cancel := context.WithCancel(context.Background())
	f.stop = cancel
	f.errc = make(chan error, 1)
	go func() {
		f.errc <- f.s.Run(ctx)
	}()
	// Keep the event channels drained.
	go func() {
		for range f.s.Events() {
		}
	}()
	go func() {
		for range f.s.RecordingEvents() {
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-f.errc
	})
	return f
}

func (f *fixture) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-f.errc:
		f.errc <- err
		return err
	case <-time.After(10 * time.Second):
		t.Fatalf("session did not end")
	}
	return nil
}

func TestRecordToStream(t *testing.T) {
	f := start(t, &synth.SourceOpts{Width: 100, Height: 100, Format: frame.Mono16}, nil)

	fs := afero.NewMemMapFs()
	if err := fs.MkdirAll("/rec", 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	st, err := sink.NewStream(fs, "/rec/a.cbor")
	if err != nil {
		t.Fatalf("new stream: %v", err)
	}
	j, err := f.s.Record(st, recording.Frames(10))
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := j.Wait(ctx); err != nil {
		t.Fatalf("recording: %v", err)
	}
	if j.Frames() != 10 {
		t.Fatalf("frames written, got %d, expected 10", j.Frames())
	}

	if err := f.s.Finish(); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if err := f.wait(t); err != nil {
		t.Fatalf("run after finish: %v", err)
	}

	m, err := sink.ReadMetadata(fs, "/rec/a.cbor")
	if err != nil {
		t.Fatalf("reading metadata: %v", err)
	}
	if m.Frames != 10 || m.Width != 100 || m.Height != 100 {
		t.Fatalf("metadata, got %+v", m)
	}

	if _, err := f.s.Record(st, recording.Frames(1)); err == nil {
		t.Fatalf("record after finish, got nil error")
	}
}

func TestCaptureFailure(t *testing.T) {
	f := start(t, &synth.SourceOpts{Width: 40, Height: 40, FailAt: 20}, nil)
	err := f.wait(t)
	if !errors.Is(err, synth.ErrInjected) {
		t.Fatalf("run, got %v, expected %v", err, synth.ErrInjected)
	}
}

func TestCancel(t *testing.T) {
	f := start(t, &synth.SourceOpts{Width: 40, Height: 40, Interval: time.Millisecond}, nil)
	if err := f.s.Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	f.stop()
	if err := f.wait(t); err != nil {
		t.Fatalf("run after cancel, got %v, expected nil", err)
	}
	if err := f.s.Resume(); !errors.Is(err, capture.ErrClosed) {
		t.Fatalf("resume after cancel, got %v, expected %v", err, capture.ErrClosed)
	}
}

func TestMountErrors(t *testing.T) {
	ctx := context.Background()
	f := start(t, &synth.SourceOpts{Width: 40, Height: 40, Interval: time.Millisecond}, nil)
	if err := f.s.Guide(ctx, r2.Point{}); !errors.Is(err, ErrNotCalibrated) {
		t.Fatalf("guide before calibration, got %v, expected %v", err, ErrNotCalibrated)
	}
	if _, err := f.s.Calibrate(ctx, 1); !errors.Is(err, guide.ErrNoPosition) {
		t.Fatalf("calibrate without tracking, got %v, expected %v", err, guide.ErrNoPosition)
	}

	s := New(f.src, nil)
	if _, err := s.Calibrate(ctx, 1); !errors.Is(err, ErrNoMount) {
		t.Fatalf("calibrate without mount, got %v, expected %v", err, ErrNoMount)
	}
}

// TestTrackCalibrateGuide tracks the synthetic star, calibrates the simulated
// mount, displaces the star and guides it back.
func TestTrackCalibrateGuide(t *testing.T) {
	f := start(t,
		&synth.SourceOpts{Width: 100, Height: 100, Interval: 5 * time.Millisecond, Noise: -1},
		&Opts{
			Calibrator: &guide.CalibratorOpts{SlewDuration: 200 * time.Millisecond, MinDisplacement: 3},
			Controller: &guide.ControllerOpts{Margin: 1, Rate: 0.5, ActiveInterval: 20 * time.Millisecond, IdleInterval: 20 * time.Millisecond},
		})

	if err := f.s.TrackCentroid(image.Rect(35, 35, 65, 65)); err != nil {
		t.Fatalf("track: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, ok := f.s.Position().Position(); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no tracked position")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	cal, err := f.s.Calibrate(ctx, 1)
	if err != nil {
		t.Fatalf("calibrate: %v", err)
	}
	if cal.Primary.Sub(r2.Point{X: 1}).Norm() > 0.2 || cal.Secondary.Sub(r2.Point{Y: 1}).Norm() > 0.2 {
		t.Fatalf("calibration, got %v %v, expected (1,0) (0,1)", cal.Primary, cal.Secondary)
	}
	if f.s.Calibration() != cal {
		t.Fatalf("calibration not kept")
	}

	lock, _ := f.s.Position().Position()
	f.sky.Move(f.sky.Star().Add(r2.Point{X: 6, Y: -8}))
	for {
		if p, _ := f.s.Position().Position(); p.Sub(lock).Norm() > 8 {
			break
		}
		select {
		case <-ctx.Done():
			t.Fatalf("displacement not tracked")
		case <-time.After(5 * time.Millisecond):
		}
	}

	gctx, gcancel := context.WithCancel(ctx)
	errc := make(chan error, 1)
	go func() {
		errc <- f.s.Guide(gctx, lock)
	}()
	for {
		p, ok := f.s.Position().Position()
		if ok && p.Sub(lock).Norm() < 2 {
			break
		}
		select {
		case err := <-errc:
			t.Fatalf("guiding ended: %v", err)
		case <-ctx.Done():
			t.Fatalf("not guided back to %v, at %v", lock, p)
		case <-time.After(5 * time.Millisecond):
		}
	}

	if _, err := f.s.Calibrate(ctx, 1); !errors.Is(err, ErrBusy) {
		t.Fatalf("calibrate while guiding, got %v, expected %v", err, ErrBusy)
	}

	gcancel()
	if err := <-errc; err != nil {
		t.Fatalf("guide after cancel: %v", err)
	}
	if p, s := f.mount.Rates(); p != 0 || s != 0 {
		t.Fatalf("mount rates after guiding, got %v %v, expected 0 0", p, s)
	}
}
