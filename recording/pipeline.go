// Package recording writes captured frames to sinks on a dedicated goroutine.
//
// Jobs are queued in FIFO order and the pipeline writes the frames of one job
// at a time. The capture loop forwards frames with Forward, which drops frames
// instead of blocking once too much data is waiting to be written.
package recording

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/skyframe/skyframe"
	"github.com/skyframe/skyframe/frame"
)

// DefaultCeiling is the amount of buffered data above which frames are
// dropped.
const DefaultCeiling int64 = 2 << 30

// ErrClosed is returned for operations on a pipeline that stopped running.
var ErrClosed = errors.New("recording pipeline closed")

// Buffered approximates the bytes handed to the pipeline but not yet written.
// It is incremented per forwarded frame and decremented once per tick by the
// bytes written since the previous tick, so it may be off briefly.
type Buffered struct {
	n atomic.Int64
}

// Add adds n bytes.
func (b *Buffered) Add(n int64) {
	b.n.Add(n)
}

// Sub subtracts n bytes, not going below zero.
func (b *Buffered) Sub(n int64) {
	if v := b.n.Add(-n); v < 0 {
		b.n.CompareAndSwap(v, 0)
	}
}

// Load returns the current amount.
func (b *Buffered) Load() int64 {
	return b.n.Load()
}

// Event is sent by the pipeline on the channel returned by Events.
type Event interface {
	isEvent()
}

// PeriodicInfo reports pipeline status once per tick while a job is active.
type PeriodicInfo struct {
	Jobs       int     // Active and queued jobs.
	Throughput float64 // Bytes written per second, smoothed.
	Buffered   int64
}

// Error reports a sink failure. The job is abandoned.
type Error struct {
	JobID uuid.UUID
	Err   error
}

// JobFinished reports a job that completed normally.
type JobFinished struct {
	JobID  uuid.UUID
	Frames uint64
}

// CaptureThreadEnded reports that the capture loop stopped abnormally.
type CaptureThreadEnded struct{}

func (PeriodicInfo) isEvent()       {}
func (Error) isEvent()              {}
func (JobFinished) isEvent()        {}
func (CaptureThreadEnded) isEvent() {}

// PipelineOpts has options for a new pipeline.
type PipelineOpts struct {
	Ceiling      int64         // Buffered bytes above which frames are dropped.
	TickInterval time.Duration // Status interval.
	Logger       *slog.Logger
}

type control int

const (
	ctlCaptureEnded control = iota
	ctlFinish
)

// Pipeline writes the frames of queued jobs.
type Pipeline struct {
	opts     PipelineOpts
	log      *slog.Logger
	buffered Buffered
	wake     chan struct{} // Signals pending jobs.
	control  chan control
	events   chan Event
	stopped  chan struct{}

	mu      sync.Mutex
	pending []*Job
	closed  bool // No more jobs are accepted.

	queued atomic.Int32
}

// NewPipeline returns a pipeline. Run must be called to process jobs. Opts
// may be nil.
func NewPipeline(opts *PipelineOpts) *Pipeline {
	xopts := PipelineOpts{}
	if opts != nil {
		xopts = *opts
	}
	if xopts.Ceiling <= 0 {
		xopts.Ceiling = DefaultCeiling
	}
	if xopts.TickInterval <= 0 {
		xopts.TickInterval = time.Second
	}
	if xopts.Logger == nil {
		xopts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Pipeline{
		opts:    xopts,
		log:     xopts.Logger.With("component", "recording"),
		wake:    make(chan struct{}, 1),
		control: make(chan control, 4),
		events:  make(chan Event, 64),
		stopped: make(chan struct{}),
	}
}

// Buffered returns the shared buffered amount.
func (p *Pipeline) Buffered() *Buffered {
	return &p.buffered
}

// Events returns the channel on which pipeline events are sent. It is closed
// when Run returns.
func (p *Pipeline) Events() <-chan Event {
	return p.events
}

// Jobs returns the number of jobs enqueued and not yet complete.
func (p *Pipeline) Jobs() int {
	return int(p.queued.Load())
}

// Enqueue adds a job to the end of the queue.
func (p *Pipeline) Enqueue(j *Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.queued.Add(1)
	p.pending = append(p.pending, j)
	select {
	case p.wake <- struct{}{}:
	default:
	}
	return nil
}

// takeJobs returns the jobs enqueued since the last call. With last set, the
// pipeline stops accepting jobs if none are pending.
func (p *Pipeline) takeJobs(last bool) []*Job {
	p.mu.Lock()
	defer p.mu.Unlock()
	jobs := p.pending
	p.pending = nil
	if last && len(jobs) == 0 {
		p.closed = true
	}
	return jobs
}

// CaptureEnded tells the pipeline the capture loop stopped abnormally.
func (p *Pipeline) CaptureEnded() {
	p.send(ctlCaptureEnded)
}

// Finish makes Run return once all queued jobs are complete.
func (p *Pipeline) Finish() {
	p.send(ctlFinish)
}

func (p *Pipeline) send(c control) {
	select {
	case p.control <- c:
	case <-p.stopped:
	}
}

// Forward hands buf to j with the crop and capture time from note, unless too
// much data is buffered or the job's queue is full. Called by the capture loop
// only. It reports whether the frame was forwarded; drops are counted for jobs
// whose limit counts them.
func (p *Pipeline) Forward(j *Job, buf *frame.Buffer, note Notification) bool {
	size := int64(buf.RawSize())
	if p.buffered.Load() < p.opts.Ceiling {
		note.Buffer = buf.Retain()
		select {
		case j.frames <- note:
			p.buffered.Add(size)
			j.forwarded++
			return true
		default:
			buf.Release()
		}
	}
	if j.Limit.CountsDrops() {
		j.dropped++
	}
	return false
}

// Run processes jobs until Finish was called and the queue is empty, or ctx
// is cancelled. Jobs still queued on cancellation fail with the context error.
func (p *Pipeline) Run(ctx context.Context) error {
	defer close(p.events)
	defer close(p.stopped)

	ticker := time.NewTicker(p.opts.TickInterval)
	defer ticker.Stop()

	w := &writer{p: p, last: time.Now()}
	w.rate, _ = skyframe.NewMovingAverage(5)

	var queue []*Job
	var active *Job
	finishing := false
	for {
		if active == nil && len(queue) > 0 {
			active, queue = queue[0], queue[1:]
			w.last = time.Now()
			p.log.Debug("job active", "job", active.ID, "limit", active.Limit.String())
		}
		if active == nil && finishing {
			jobs := p.takeJobs(true)
			if len(jobs) == 0 {
				return nil
			}
			queue = append(queue, jobs...)
			continue
		}

		var frames <-chan Notification
		var tick <-chan time.Time
		if active != nil {
			frames = active.frames
			tick = ticker.C
		}

		select {
		case <-ctx.Done():
			if active != nil {
				queue = append([]*Job{active}, queue...)
			}
			for {
				jobs := p.takeJobs(true)
				if len(jobs) == 0 {
					break
				}
				queue = append(queue, jobs...)
			}
			for _, j := range queue {
				w.abandon(j, ctx.Err())
			}
			return ctx.Err()

		case <-p.wake:
			queue = append(queue, p.takeJobs(false)...)

		case c := <-p.control:
			switch c {
			case ctlCaptureEnded:
				p.log.Info("capture ended")
				p.emit(CaptureThreadEnded{})
			case ctlFinish:
				finishing = true
				// Pick up jobs enqueued before Finish.
				queue = append(queue, p.takeJobs(false)...)
			}

		case note, ok := <-frames:
			if !ok {
				w.finish(active)
				active = nil
				continue
			}
			if err := w.write(active, note); err != nil {
				w.fail(active, err)
				active = nil
			}

		case now := <-tick:
			w.tick(now, 1+len(queue))
		}
	}
}

func (p *Pipeline) emit(ev Event) {
	select {
	case p.events <- ev:
	default:
		p.log.Warn("dropping recording event, consumer too slow", "event", fmt.Sprintf("%T", ev))
	}
}

// writer holds the state of Run that is only touched by its goroutine.
type writer struct {
	p         *Pipeline
	written   int64 // Bytes written since last tick.
	unsettled int64 // Bytes completed but not yet subtracted from Buffered.
	last      time.Time
	rate      *skyframe.MovingAverage
}

func (w *writer) write(j *Job, note Notification) error {
	buf := note.Buffer
	defer buf.Release()
	w.written += int64(buf.RawSize())
	w.unsettled += int64(buf.RawSize())

	bounds := buf.Bounds()
	crop := note.Crop.Intersect(bounds)
	if crop.Empty() {
		crop = bounds
	}
	if buf.Format.IsCFA() {
		crop = j.align(crop, bounds)
	}
	if err := j.sink.Write(buf.View(crop)); err != nil {
		return err
	}
	j.written.Add(1)
	return nil
}

func (w *writer) finish(j *Job) {
	err := j.sink.Finalize()
	if err != nil {
		w.p.log.Error("finalizing recording", "job", j.ID, "err", err)
		w.p.emit(Error{JobID: j.ID, Err: fmt.Errorf("finalizing recording: %w", err)})
	} else {
		w.p.log.Info("recording finished", "job", j.ID, "frames", j.Frames())
		w.p.emit(JobFinished{JobID: j.ID, Frames: j.Frames()})
	}
	w.settle()
	w.p.queued.Add(-1)
	j.complete(err)
}

// fail abandons j after a sink error. The capture loop detaches the job when
// it sees it failed.
func (w *writer) fail(j *Job, err error) {
	err = fmt.Errorf("writing frame %d: %w", j.Frames(), err)
	w.p.log.Error("recording failed", "job", j.ID, "err", err)
	w.p.emit(Error{JobID: j.ID, Err: err})
	w.abandon(j, err)
}

func (w *writer) abandon(j *Job, err error) {
	j.failed.Store(true)
	if ferr := j.sink.Finalize(); ferr != nil {
		w.p.log.Error("finalizing abandoned recording", "job", j.ID, "err", ferr)
	}
	w.unsettled += j.discardQueued()
	w.settle()
	w.p.queued.Add(-1)
	j.complete(err)
}

// settle subtracts completed bytes from the buffered amount.
func (w *writer) settle() {
	w.p.buffered.Sub(w.unsettled)
	w.unsettled = 0
}

func (w *writer) tick(now time.Time, jobs int) {
	elapsed := now.Sub(w.last).Seconds()
	w.last = now
	if elapsed <= 0 {
		return
	}
	rate, _ := w.rate.Update(float64(w.written) / elapsed)
	w.written = 0
	w.settle()
	w.p.emit(PeriodicInfo{Jobs: jobs, Throughput: rate, Buffered: w.p.buffered.Load()})
}
