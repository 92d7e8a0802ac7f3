// Package session ties a frame source, the capture loop, the recording
// pipeline and an optional mount together, and offers the operations of an
// imaging session as methods.
package session

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"sync"

	"github.com/golang/geo/r2"
	"github.com/sourcegraph/conc/pool"

	"github.com/skyframe/skyframe/capture"
	"github.com/skyframe/skyframe/guide"
	"github.com/skyframe/skyframe/recording"
	"github.com/skyframe/skyframe/track"
)

var (
	// ErrNoMount is returned for mount operations without a mount.
	ErrNoMount = errors.New("no mount")

	// ErrNotCalibrated is returned by Guide before a successful Calibrate.
	ErrNotCalibrated = errors.New("mount not calibrated")

	// ErrBusy is returned when calibrating or guiding while the mount is
	// already in use by either.
	ErrBusy = errors.New("mount busy")
)

// Opts has options for a session. All fields are optional.
type Opts struct {
	Logger     *slog.Logger
	Mount      guide.Mount
	Loop       *capture.LoopOpts
	Pipeline   *recording.PipelineOpts
	Calibrator *guide.CalibratorOpts
	Controller *guide.ControllerOpts
}

// Session is a running imaging session. Create it with New and start it with
// Run; the other methods may be called from any goroutine.
type Session struct {
	log      *slog.Logger
	mount    guide.Mount
	opts     Opts
	loop     *capture.Loop
	pipeline *recording.Pipeline
	position *track.Shared

	mutex     sync.Mutex
	cal       *guide.Calibration
	mountBusy bool
}

// New returns a session capturing from src.
func New(src capture.Source, opts *Opts) *Session {
	s := &Session{}
	if opts != nil {
		s.opts = *opts
	}
	if s.opts.Logger == nil {
		s.opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s.log = s.opts.Logger
	s.mount = s.opts.Mount
	s.position = &track.Shared{}

	popts := recording.PipelineOpts{}
	if s.opts.Pipeline != nil {
		popts = *s.opts.Pipeline
	}
	if popts.Logger == nil {
		popts.Logger = s.log
	}
	s.pipeline = recording.NewPipeline(&popts)

	lopts := capture.LoopOpts{}
	if s.opts.Loop != nil {
		lopts = *s.opts.Loop
	}
	if lopts.Logger == nil {
		lopts.Logger = s.log
	}
	lopts.Position = s.position
	s.loop = capture.NewLoop(src, s.pipeline, &lopts)
	return s
}

// Run runs the capture loop and the recording pipeline until Finish was
// called and all recordings are written, ctx is cancelled, or either fails.
// Cancellation is a normal stop and returns nil. After a capture failure the
// queued recordings are still written before Run returns the error.
func (s *Session) Run(ctx context.Context) error {
	pipelineDone := make(chan struct{})

	p := pool.New().WithContext(ctx).WithCancelOnError().WithFirstError()
	p.Go(func(ctx context.Context) error {
		err := s.loop.Run(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.pipeline.Finish()
		if err != nil {
			<-pipelineDone
			return fmt.Errorf("capture: %w", err)
		}
		return nil
	})
	p.Go(func(ctx context.Context) error {
		defer close(pipelineDone)
		if err := s.pipeline.Run(ctx); err != nil {
			return fmt.Errorf("recording: %w", err)
		}
		return nil
	})

	err := p.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// Finish ends capturing. Run returns once the recordings are written.
func (s *Session) Finish() error {
	return s.loop.Send(capture.Finish{})
}

// Events returns the capture events channel. It is closed when capturing
// ends. Events are dropped when not received in time.
func (s *Session) Events() <-chan capture.Event {
	return s.loop.Events()
}

// RecordingEvents returns the recording pipeline events channel. It is closed
// when Run returns.
func (s *Session) RecordingEvents() <-chan recording.Event {
	return s.pipeline.Events()
}

// Preview returns the mailbox through which a single consumer receives
// frames for display.
func (s *Session) Preview() *capture.Mailbox {
	return s.loop.Preview()
}

// Position returns the tracked position, shared with the capture loop.
func (s *Session) Position() *track.Shared {
	return s.position
}

// Buffered returns the number of bytes waiting to be written.
func (s *Session) Buffered() int64 {
	return s.pipeline.Buffered().Load()
}

// Record queues a recording of frames to sink, up to limit. Recordings run
// one after the other; use the Done and Err methods of the returned job to
// learn about its end.
func (s *Session) Record(sink recording.Sink, limit recording.Limit) (*recording.Job, error) {
	j := recording.NewJob(sink, limit)
	if err := s.pipeline.Enqueue(j); err != nil {
		return nil, fmt.Errorf("queueing recording: %w", err)
	}
	if err := s.loop.Send(capture.StartRecording{Job: j}); err != nil {
		// The pipeline finalizes the closed job.
		j.Close()
		return nil, fmt.Errorf("attaching recording: %w", err)
	}
	s.log.Info("recording queued", "job", j.ID, "limit", limit.String())
	return j, nil
}

// StopRecording ends the recording currently receiving frames. The next
// queued recording, if any, starts with the next frame.
func (s *Session) StopRecording() error {
	return s.loop.Send(capture.StopRecording{})
}

// Pause suspends capturing.
func (s *Session) Pause() error {
	return s.loop.Send(capture.Pause{})
}

// Resume continues capturing.
func (s *Session) Resume() error {
	return s.loop.Send(capture.Resume{})
}

// TrackCentroid tracks the brightness centroid of area, starting with the
// next frame.
func (s *Session) TrackCentroid(area image.Rectangle) error {
	return s.loop.Send(capture.EnableCentroidTracking{Area: area})
}

// TrackAnchor tracks the image structure around p, starting with the next
// frame.
func (s *Session) TrackAnchor(p r2.Point) error {
	return s.loop.Send(capture.EnableAnchorTracking{Point: p})
}

// DisableTracking stops tracking.
func (s *Session) DisableTracking() error {
	return s.loop.Send(capture.DisableTracking{})
}

// CropRecording records only area of each frame, following the tracked
// position. An empty area records whole frames.
func (s *Session) CropRecording(area image.Rectangle) error {
	return s.loop.Send(capture.EnableRecordingCrop{Area: area})
}

// Calibration returns the current calibration, nil before Calibrate.
func (s *Session) Calibration() *guide.Calibration {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.cal
}

func (s *Session) acquireMount() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.mount == nil {
		return ErrNoMount
	}
	if s.mountBusy {
		return ErrBusy
	}
	s.mountBusy = true
	return nil
}

func (s *Session) releaseMount() {
	s.mutex.Lock()
	s.mountBusy = false
	s.mutex.Unlock()
}

// Calibrate measures the image directions of the mount axes by slewing each
// at speed, observing the tracked position. On success the calibration is
// kept for Guide.
func (s *Session) Calibrate(ctx context.Context, speed float64) (*guide.Calibration, error) {
	if err := s.acquireMount(); err != nil {
		return nil, err
	}
	defer s.releaseMount()

	copts := guide.CalibratorOpts{}
	if s.opts.Calibrator != nil {
		copts = *s.opts.Calibrator
	}
	if copts.Logger == nil {
		copts.Logger = s.log
	}
	cal, err := guide.NewCalibrator(s.mount, s.position, &copts).Run(ctx, speed)
	if err != nil {
		return nil, err
	}
	s.log.Info("calibrated", "primary", cal.Primary, "secondary", cal.Secondary, "speed", cal.Speed)

	s.mutex.Lock()
	s.cal = cal
	s.mutex.Unlock()
	return cal, nil
}

// Guide keeps the tracked position at lock until ctx is cancelled, which
// returns nil, or tracking is lost or the mount fails.
func (s *Session) Guide(ctx context.Context, lock r2.Point) error {
	cal := s.Calibration()
	if cal == nil {
		return ErrNotCalibrated
	}
	if err := s.acquireMount(); err != nil {
		return err
	}
	defer s.releaseMount()

	gopts := guide.ControllerOpts{}
	if s.opts.Controller != nil {
		gopts = *s.opts.Controller
	}
	if gopts.Logger == nil {
		gopts.Logger = s.log
	}
	s.log.Info("guiding", "lock", lock)
	return guide.NewController(s.mount, s.position, cal, &gopts).Run(ctx, lock)
}
