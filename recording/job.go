package recording

import (
	"context"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/skyframe/skyframe/frame"
)

// DefaultJobQueue is the number of notifications a job can hold before frames
// are dropped.
const DefaultJobQueue = 256

// Sink persists the frames of a recording.
type Sink interface {
	// Write stores one cropped frame. The view is only valid during the call.
	Write(v frame.View) error

	// Finalize completes the recording. No Write follows.
	Finalize() error
}

// Notification tells the pipeline about a captured frame for the active job.
// The buffer is retained for the pipeline, which releases it.
type Notification struct {
	Buffer   *frame.Buffer
	Crop     image.Rectangle // Empty means the whole frame.
	Captured time.Time
}

// Job is a single recording. The capture loop produces notifications for
// the job and closes it when the limit is reached or recording is stopped.
// The pipeline writes them to the sink.
type Job struct {
	ID    uuid.UUID
	Limit Limit

	sink      Sink
	frames    chan Notification
	closeOnce sync.Once

	failed  atomic.Bool
	written atomic.Uint64
	done    chan struct{}
	err     error

	// Owned by the capture loop.
	started   time.Time
	forwarded uint64
	dropped   uint64

	// Owned by the pipeline.
	parity    image.Point
	hasParity bool
}

// NewJob returns a job writing to sink until limit is reached.
func NewJob(sink Sink, limit Limit) *Job {
	return &Job{
		ID:     uuid.New(),
		Limit:  limit,
		sink:   sink,
		frames: make(chan Notification, DefaultJobQueue),
		done:   make(chan struct{}),
	}
}

// Start records when the job got its first chance at a frame. Called by the
// capture loop when the job reaches the head of its queue; later calls are
// ignored.
func (j *Job) Start(now time.Time) {
	if j.started.IsZero() {
		j.started = now
	}
}

// Started reports whether Start was called.
func (j *Job) Started() bool {
	return !j.started.IsZero()
}

// Elapsed returns the time since Start.
func (j *Job) Elapsed(now time.Time) time.Duration {
	return now.Sub(j.started)
}

// Forwarded returns the number of frames handed to the pipeline. Only valid
// on the capture loop.
func (j *Job) Forwarded() uint64 {
	return j.forwarded
}

// Dropped returns the number of counted drops. Only valid on the capture
// loop.
func (j *Job) Dropped() uint64 {
	return j.dropped
}

// Close tells the pipeline no more notifications follow. Only the capture loop
// closes a job; further calls are no-ops.
func (j *Job) Close() {
	j.closeOnce.Do(func() {
		close(j.frames)
	})
}

// Failed reports whether the pipeline gave up on the job after a sink error.
// The capture loop detaches failed jobs.
func (j *Job) Failed() bool {
	return j.failed.Load()
}

// Frames returns the number of frames written to the sink.
func (j *Job) Frames() uint64 {
	return j.written.Load()
}

// Done is closed when the job is complete, successfully or not.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Err returns the error the job ended with. Only valid after Done is closed.
func (j *Job) Err() error {
	return j.err
}

// Wait blocks until the job is complete and returns its error.
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-j.done:
		return j.err
	}
}

// Discard releases notifications still queued for the job, until the job is
// closed. It returns the number of bytes released.
func (j *Job) Discard() int64 {
	var n int64
	for note := range j.frames {
		n += int64(note.Buffer.RawSize())
		note.Buffer.Release()
	}
	return n
}

// discardQueued releases the notifications queued right now without waiting
// for the job to be closed.
func (j *Job) discardQueued() int64 {
	var n int64
	for {
		select {
		case note, ok := <-j.frames:
			if !ok {
				return n
			}
			n += int64(note.Buffer.RawSize())
			note.Buffer.Release()
		default:
			return n
		}
	}
}

func (j *Job) complete(err error) {
	j.err = err
	close(j.done)
}

// align snaps the crop rectangle r to the x and y parity of the job's first
// crop, so the color filter phase stays fixed over the recording. The result
// is kept inside bounds.
func (j *Job) align(r, bounds image.Rectangle) image.Rectangle {
	if !j.hasParity {
		j.parity = image.Pt(r.Min.X&1, r.Min.Y&1)
		j.hasParity = true
		return r
	}
	r = r.Add(image.Pt(snap(r.Min.X, j.parity.X), snap(r.Min.Y, j.parity.Y)))

	// Shift back in by even amounts to keep the parity.
	if over := r.Max.X - bounds.Max.X; over > 0 {
		r = r.Sub(image.Pt(over+over&1, 0))
	}
	if over := r.Max.Y - bounds.Max.Y; over > 0 {
		r = r.Sub(image.Pt(0, over+over&1))
	}
	if under := bounds.Min.X - r.Min.X; under > 0 {
		r = r.Add(image.Pt(under+under&1, 0))
	}
	if under := bounds.Min.Y - r.Min.Y; under > 0 {
		r = r.Add(image.Pt(0, under+under&1))
	}
	return r.Intersect(bounds)
}

// snap returns the shift, -1, 0 or 1, that gives v the parity p.
func snap(v, p int) int {
	if v&1 == p {
		return 0
	}
	if v == 0 {
		return 1
	}
	return -1
}
