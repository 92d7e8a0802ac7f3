package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/golang/geo/r2"

	"github.com/skyframe/skyframe"
	"github.com/skyframe/skyframe/frame"
	"github.com/skyframe/skyframe/recording"
	"github.com/skyframe/skyframe/track"
)

// LoopOpts has options for a capture loop.
type LoopOpts struct {
	Logger       *slog.Logger
	Position     *track.Shared // Receives tracked positions. Allocated if nil.
	InfoInterval time.Duration // Interval of PeriodicInfo events, default 1s.
	Centroid     *track.CentroidOpts
	Anchor       *track.AnchorOpts
}

// Loop captures frames until Finish or a fatal capture error. All state
// below is owned by the goroutine calling Run.
type Loop struct {
	src      Source
	pipeline *recording.Pipeline
	opts     LoopOpts
	log      *slog.Logger
	pool     *frame.Pool
	mailbox  *Mailbox
	shared   *track.Shared

	control chan Command
	events  chan Event
	stopped chan struct{}

	paused  bool
	seq     uint64
	jobs    []*recording.Job
	tracker track.Tracker
	pending Command // Tracking request to initialize on the next frame.

	crop    image.Rectangle
	cropRef r2.Point // Tracked position at which crop was set.
	hasRef  bool

	fps           *skyframe.MovingAverage
	frames        int
	lastInfo      time.Time
	droppedEvents int
}

// NewLoop returns a loop capturing from src. Pipeline may be nil, in which case
// StartRecording is ignored. Opts may be nil.
func NewLoop(src Source, pipeline *recording.Pipeline, opts *LoopOpts) *Loop {
	xopts := LoopOpts{}
	if opts != nil {
		xopts = *opts
	}
	if xopts.Logger == nil {
		xopts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if xopts.Position == nil {
		xopts.Position = &track.Shared{}
	}
	if xopts.InfoInterval <= 0 {
		xopts.InfoInterval = time.Second
	}
	fps, _ := skyframe.NewMovingAverage(5)
	return &Loop{
		src:      src,
		pipeline: pipeline,
		opts:     xopts,
		log:      xopts.Logger.With("component", "capture"),
		pool:     frame.NewPool(),
		mailbox:  NewMailbox(),
		shared:   xopts.Position,
		control:  make(chan Command, 16),
		events:   make(chan Event, 64),
		stopped:  make(chan struct{}),
		fps:      fps,
	}
}

// Send queues a command for the loop. The loop looks at commands once per
// iteration.
func (l *Loop) Send(c Command) error {
	select {
	case <-l.stopped:
		return ErrClosed
	default:
	}
	select {
	case l.control <- c:
		return nil
	case <-l.stopped:
		return ErrClosed
	}
}

// Events returns the channel on which events are sent. Events are dropped
// when the channel is full. The channel is closed when Run returns.
func (l *Loop) Events() <-chan Event {
	return l.events
}

// Preview returns the mailbox for the preview consumer.
func (l *Loop) Preview() *Mailbox {
	return l.mailbox
}

// Position returns the shared tracked position.
func (l *Loop) Position() *track.Shared {
	return l.shared
}

// Pool returns the buffer pool, for inspecting allocations.
func (l *Loop) Pool() *frame.Pool {
	return l.pool
}

// Run captures frames until Finish is received, ctx is cancelled or the
// source fails. A source failure is reported as CaptureError, returned, and
// told to the pipeline. Attached jobs are closed in all cases.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.events)
	defer l.mailbox.close()
	defer close(l.stopped)
	defer l.closeJobs()

	l.lastInfo = time.Now()
	for {
		finish, err := l.poll(ctx)
		if err != nil {
			return l.fail(err)
		}
		if finish {
			l.log.Info("capture finished", "frames", l.seq)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		buf := l.pool.Next()
		err = l.src.Capture(&buf.Frame)
		now := time.Now()
		if errors.Is(err, ErrFrameUnavailable) {
			l.log.Debug("frame unavailable", "err", err)
			l.expire(now)
			l.info(now)
			continue
		}
		if err != nil {
			return l.fail(fmt.Errorf("capturing frame: %w", err))
		}

		l.seq++
		buf.Seq = l.seq
		buf.Timestamp = now
		l.frames++

		l.track(&buf.Frame)
		l.record(buf, now)
		l.preview(buf)
		l.info(now)
	}
}

// poll handles pending commands without blocking, or blocks for commands
// while paused. It reports whether the loop must finish.
func (l *Loop) poll(ctx context.Context) (bool, error) {
	for {
		if l.paused {
			select {
			case <-ctx.Done():
				return false, nil
			case c := <-l.control:
				if finish, err := l.handle(c); finish || err != nil {
					return finish, err
				}
			}
			continue
		}
		select {
		case c := <-l.control:
			if finish, err := l.handle(c); finish || err != nil {
				return finish, err
			}
		default:
			return false, nil
		}
	}
}

func (l *Loop) handle(c Command) (finish bool, err error) {
	switch c := c.(type) {
	case Pause:
		if l.paused {
			return false, nil
		}
		if err := l.src.Pause(); err != nil {
			return false, fmt.Errorf("pausing source: %w", err)
		}
		l.paused = true
		l.emit(Paused{Paused: true})

	case Resume:
		if !l.paused {
			return false, nil
		}
		if err := l.src.Resume(); err != nil {
			return false, fmt.Errorf("resuming source: %w", err)
		}
		l.paused = false
		l.lastInfo = time.Now()
		l.frames = 0
		l.emit(Paused{Paused: false})

	case StartRecording:
		if l.pipeline == nil {
			l.log.Warn("no recording pipeline, ignoring recording request")
			c.Job.Close()
			return false, nil
		}
		l.log.Info("recording attached", "job", c.Job.ID, "limit", c.Job.Limit.String(), "queued", len(l.jobs))
		l.jobs = append(l.jobs, c.Job)

	case StopRecording:
		if len(l.jobs) > 0 {
			l.detach()
		}

	case EnableCentroidTracking, EnableAnchorTracking:
		l.pending = c

	case EnableRecordingCrop:
		l.crop = c.Area
		l.hasRef = false

	case DisableTracking:
		l.stopTracking()

	case Finish:
		return true, nil

	default:
		l.log.Error("unknown command", "command", fmt.Sprintf("%T", c))
	}
	return false, nil
}

// fail reports a fatal error and tells the pipeline capture ended.
func (l *Loop) fail(err error) error {
	l.log.Error("capture failed", "err", err)
	l.emit(CaptureError{Err: err})
	l.closeJobs()
	if l.pipeline != nil {
		l.pipeline.CaptureEnded()
	}
	return err
}

func (l *Loop) track(f *frame.Frame) {
	if l.pending != nil {
		req := l.pending
		l.pending = nil
		l.startTracking(f, req)
		return
	}
	if l.tracker == nil {
		return
	}

	res, err := l.tracker.Update(f)
	if err != nil {
		permanent := track.Permanent(err)
		if permanent {
			l.log.Info("tracking lost", "err", err)
			l.stopTracking()
		}
		l.emit(TrackingFailed{Err: err, Permanent: permanent})
		return
	}
	l.setPosition(res)
}

func (l *Loop) startTracking(f *frame.Frame, req Command) {
	var res track.Result
	var err error
	switch req := req.(type) {
	case EnableCentroidTracking:
		var c *track.Centroid
		c, err = track.NewCentroid(f, req.Area, l.opts.Centroid)
		if err == nil {
			l.tracker = c
			res = c.Current()
		}
	case EnableAnchorTracking:
		var a *track.Anchor
		a, err = track.NewAnchor(f, req.Point, l.opts.Anchor)
		if err == nil {
			l.tracker = a
			res = track.Result{Position: a.Position()}
		}
	}
	if err != nil {
		l.stopTracking()
		l.emit(TrackingFailed{Err: fmt.Errorf("starting tracking: %w", err), Permanent: true})
		return
	}
	l.bakeCrop()
	l.log.Info("tracking started", "x", res.Position.X, "y", res.Position.Y)
	l.setPosition(res)
}

func (l *Loop) setPosition(res track.Result) {
	l.shared.Set(res)
	if !l.hasRef {
		l.cropRef = res.Position
		l.hasRef = true
	}
	l.emit(TrackingUpdate{Position: res.Position, Area: res.Area})
}

// stopTracking disables the tracker. The recording crop stays where the
// target was last seen.
func (l *Loop) stopTracking() {
	l.bakeCrop()
	l.tracker = nil
	l.pending = nil
	l.shared.Clear()
}

// bakeCrop moves the crop to where tracking took it and forgets the reference
// position.
func (l *Loop) bakeCrop() {
	if l.hasRef && l.tracker != nil && !l.crop.Empty() {
		if p, ok := l.shared.Position(); ok {
			l.crop = l.crop.Add(roundPoint(p.Sub(l.cropRef)))
		}
	}
	l.hasRef = false
}

// cropRect returns the recording crop for f. Empty means the whole frame.
func (l *Loop) cropRect(f *frame.Frame) image.Rectangle {
	if l.crop.Empty() {
		return image.Rectangle{}
	}
	r := l.crop
	if l.tracker != nil && l.hasRef {
		if p, ok := l.shared.Position(); ok {
			r = r.Add(roundPoint(p.Sub(l.cropRef)))
		}
	}
	return clampRect(r, f.Bounds())
}

func (l *Loop) record(buf *frame.Buffer, now time.Time) {
	// Jobs the pipeline gave up on are dropped without a RecordingFinished.
	for len(l.jobs) > 0 && l.jobs[0].Failed() {
		l.detach()
	}
	if len(l.jobs) == 0 {
		return
	}

	j := l.jobs[0]
	j.Start(now)
	elapsed := j.Elapsed(now)
	// Duration limits are checked before forwarding, frame limits right
	// after, so a frame limited job gets exactly its frames.
	if j.Limit.Reached(j.Forwarded(), elapsed) {
		l.detach()
		return
	}
	l.pipeline.Forward(j, buf, recording.Notification{Crop: l.cropRect(&buf.Frame), Captured: now})
	if j.Limit.Reached(j.Forwarded(), elapsed) {
		l.detach()
	}
}

// expire detaches failed jobs and a started head job whose limit is reached,
// for iterations without a frame.
func (l *Loop) expire(now time.Time) {
	for len(l.jobs) > 0 && l.jobs[0].Failed() {
		l.detach()
	}
	if len(l.jobs) == 0 {
		return
	}
	j := l.jobs[0]
	if j.Started() && j.Limit.Reached(j.Forwarded(), j.Elapsed(now)) {
		l.detach()
	}
}

// detach closes the head job and reports it finished, unless it failed.
func (l *Loop) detach() {
	j := l.jobs[0]
	l.jobs = l.jobs[1:]
	if j.Failed() {
		// Already reported by the pipeline.
		l.discard(j)
		l.log.Info("failed recording detached", "job", j.ID)
		return
	}
	j.Close()
	ev := RecordingFinished{JobID: j.ID, Frames: j.Forwarded(), Dropped: j.Dropped()}
	l.log.Info("recording detached", "job", j.ID, "frames", ev.Frames, "dropped", ev.Dropped)
	l.emit(ev)
}

// discard closes a job the pipeline no longer reads and releases what is left
// in its queue.
func (l *Loop) discard(j *recording.Job) {
	j.Close()
	l.pipeline.Buffered().Sub(j.Discard())
}

func (l *Loop) closeJobs() {
	for len(l.jobs) > 0 {
		l.detach()
	}
}

func (l *Loop) preview(buf *frame.Buffer) {
	p := Preview{Buffer: buf}
	p.Target, p.HasTarget = l.shared.Position()
	if p.HasTarget {
		p.Area, _ = l.shared.Area()
	}
	l.mailbox.Offer(p)
}

func (l *Loop) info(now time.Time) {
	elapsed := now.Sub(l.lastInfo)
	if elapsed < l.opts.InfoInterval {
		return
	}
	fps, _ := l.fps.Update(float64(l.frames) / elapsed.Seconds())
	l.frames = 0
	l.lastInfo = now

	ev := PeriodicInfo{FPS: fps}
	if len(l.jobs) > 0 {
		j := l.jobs[0]
		ev.Recording = &RecordingStatus{
			JobID:   j.ID,
			Limit:   j.Limit,
			Frames:  j.Forwarded(),
			Dropped: j.Dropped(),
			Elapsed: j.Elapsed(now),
		}
	}
	if l.droppedEvents > 0 {
		l.log.Warn("events dropped, consumer too slow", "count", l.droppedEvents)
		l.droppedEvents = 0
	}
	l.emit(ev)
}

func (l *Loop) emit(ev Event) {
	select {
	case l.events <- ev:
	default:
		l.droppedEvents++
	}
}

func roundPoint(p r2.Point) image.Point {
	return image.Pt(int(math.Round(p.X)), int(math.Round(p.Y)))
}

// clampRect moves r into b, shrinking it only if it is larger than b.
func clampRect(r, b image.Rectangle) image.Rectangle {
	if d := r.Max.X - b.Max.X; d > 0 {
		r = r.Sub(image.Pt(d, 0))
	}
	if d := r.Max.Y - b.Max.Y; d > 0 {
		r = r.Sub(image.Pt(0, d))
	}
	if d := b.Min.X - r.Min.X; d > 0 {
		r = r.Add(image.Pt(d, 0))
	}
	if d := b.Min.Y - r.Min.Y; d > 0 {
		r = r.Add(image.Pt(0, d))
	}
	return r.Intersect(b)
}
