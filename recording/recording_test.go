package recording

import (
	"context"
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/skyframe/skyframe/frame"
)

var errDiskFull = errors.New("disk full")

type memSink struct {
	gate   chan struct{} // If set, every Write waits for a value.
	failAt int           // Write number (1-based) returning errDiskFull.

	mu        sync.Mutex
	crops     []image.Rectangle
	seqs      []uint64
	finalized bool
}

func (s *memSink) Write(v frame.View) error {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAt > 0 && len(s.crops)+1 == s.failAt {
		return errDiskFull
	}
	s.crops = append(s.crops, v.Rect)
	s.seqs = append(s.seqs, v.Frame.Seq)
	return nil
}

func (s *memSink) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalized = true
	return nil
}

func newFrame(seq uint64, format frame.PixelFormat) *frame.Buffer {
	b := frame.NewBuffer()
	b.Reformat(64, 64, format)
	b.Seq = seq
	return b
}

func startPipeline(t *testing.T, opts *PipelineOpts) (*Pipeline, chan error) {
	t.Helper()
	p := NewPipeline(opts)
	done := make(chan error, 1)
	go func() {
		done <- p.Run(context.Background())
	}()
	return p, done
}

func waitJob(t *testing.T, j *Job) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	select {
	case <-j.Done():
		return j.Err()
	case <-ctx.Done():
		t.Fatalf("timeout waiting for job %s", j.ID)
	}
	return nil
}

func TestLimit(t *testing.T) {
	if Unbounded().Reached(1<<40, 1000*time.Hour) {
		t.Fatalf("unbounded limit reached")
	}
	l := Frames(10)
	if l.Reached(9, time.Hour) || !l.Reached(10, 0) {
		t.Fatalf("frame limit reached at wrong count")
	}
	if l.CountsDrops() {
		t.Fatalf("frame limit counts drops")
	}
	l = For(time.Second)
	if l.Reached(1000, 999*time.Millisecond) || !l.Reached(0, time.Second) {
		t.Fatalf("duration limit reached at wrong time")
	}
	if !l.CountsDrops() {
		t.Fatalf("duration limit does not count drops")
	}
	if s := Frames(3).String(); s != "3 frames" {
		t.Fatalf("string, got %q, expected %q", s, "3 frames")
	}
}

func TestBuffered(t *testing.T) {
	var b Buffered
	b.Add(100)
	b.Sub(30)
	if b.Load() != 70 {
		t.Fatalf("buffered, got %d, expected 70", b.Load())
	}
	b.Sub(100)
	if b.Load() != 0 {
		t.Fatalf("buffered after underflow, got %d, expected 0", b.Load())
	}
}

func TestAlignKeepsParity(t *testing.T) {
	j := NewJob(&memSink{}, Unbounded())
	bounds := image.Rect(0, 0, 64, 64)
	first := j.align(image.Rect(3, 4, 19, 20), bounds)
	if first.Min != image.Pt(3, 4) {
		t.Fatalf("first crop moved, got %v", first.Min)
	}
	cases := []struct {
		in, expected image.Rectangle
	}{
		{image.Rect(3, 4, 19, 20), image.Rect(3, 4, 19, 20)},
		{image.Rect(4, 5, 20, 21), image.Rect(3, 4, 19, 20)},
		{image.Rect(0, 0, 16, 16), image.Rect(1, 0, 17, 16)},
		{image.Rect(10, 1, 26, 17), image.Rect(9, 0, 25, 16)},
		{image.Rect(48, 48, 64, 64), image.Rect(47, 48, 63, 64)},
	}
	for _, c := range cases {
		got := j.align(c.in, bounds)
		if got != c.expected {
			t.Fatalf("align %v, got %v, expected %v", c.in, got, c.expected)
		}
	}

	// Snapping past the edge is shifted back by an even amount.
	j = NewJob(&memSink{}, Unbounded())
	j.align(image.Rect(1, 1, 17, 17), bounds)
	got := j.align(image.Rect(48, 0, 64, 16), bounds)
	if got.Min.X&1 != 1 || got.Min.Y&1 != 1 || !got.In(bounds) {
		t.Fatalf("align at edge, got %v, expected odd offsets within %v", got, bounds)
	}
}

func TestPipelineWritesInOrder(t *testing.T) {
	p, done := startPipeline(t, nil)
	sink := &memSink{}
	j := NewJob(sink, Frames(5))
	if err := p.Enqueue(j); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	for i := uint64(1); i <= 5; i++ {
		b := newFrame(i, frame.Mono8)
		if !p.Forward(j, b, Notification{}) {
			t.Fatalf("frame %d not forwarded", i)
		}
		b.Release()
	}
	j.Close()
	if err := waitJob(t, j); err != nil {
		t.Fatalf("job: %v", err)
	}
	p.Finish()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}

	for i, seq := range sink.seqs {
		if seq != uint64(i+1) {
			t.Fatalf("written sequence, got %v, expected 1..5", sink.seqs)
		}
	}
	if j.Frames() != 5 || !sink.finalized {
		t.Fatalf("frames %d finalized %v, expected 5 true", j.Frames(), sink.finalized)
	}

	var finished int
	for ev := range p.Events() {
		if f, ok := ev.(JobFinished); ok {
			finished++
			if f.JobID != j.ID || f.Frames != 5 {
				t.Fatalf("job finished, got %v, expected %v with 5 frames", f, j.ID)
			}
		}
	}
	if finished != 1 {
		t.Fatalf("job finished events, got %d, expected 1", finished)
	}
}

func TestPipelineCFAParity(t *testing.T) {
	p, done := startPipeline(t, nil)
	sink := &memSink{}
	j := NewJob(sink, Unbounded())
	p.Enqueue(j)

	crops := []image.Rectangle{
		image.Rect(5, 2, 21, 18),
		image.Rect(6, 2, 22, 18),
		image.Rect(7, 3, 23, 19),
		image.Rect(0, 0, 16, 16),
		image.Rect(48, 47, 64, 63),
		image.Rect(12, 9, 28, 25),
	}
	for i, crop := range crops {
		b := newFrame(uint64(i), frame.BayerGRBG16)
		p.Forward(j, b, Notification{Crop: crop})
		b.Release()
	}
	j.Close()
	waitJob(t, j)
	p.Finish()
	<-done

	if len(sink.crops) != len(crops) {
		t.Fatalf("written frames, got %d, expected %d", len(sink.crops), len(crops))
	}
	first := sink.crops[0].Min
	for i, c := range sink.crops {
		if c.Min.X&1 != first.X&1 || c.Min.Y&1 != first.Y&1 {
			t.Fatalf("frame %d crop %v, parity differs from first crop %v", i, c, first)
		}
	}
}

func TestPipelineBackpressure(t *testing.T) {
	frameSize := int64(64 * 64)
	p, done := startPipeline(t, &PipelineOpts{Ceiling: 10 * frameSize, TickInterval: time.Hour})
	sink := &memSink{gate: make(chan struct{})}
	j := NewJob(sink, For(time.Hour))
	p.Enqueue(j)

	var last int64
	var dropped uint64
	sawDrop := false
	for i := 0; i < 40; i++ {
		b := newFrame(uint64(i), frame.Mono8)
		ok := p.Forward(j, b, Notification{})
		b.Release()
		cur := p.Buffered().Load()
		if !sawDrop {
			if cur < last {
				t.Fatalf("frame %d: buffered decreased from %d to %d", i, last, cur)
			}
			if !ok {
				if last < 10*frameSize {
					t.Fatalf("frame %d dropped below ceiling, buffered %d", i, last)
				}
				sawDrop = true
			}
		}
		if sawDrop {
			if ok {
				t.Fatalf("frame %d forwarded above ceiling", i)
			}
			if j.Dropped() <= dropped {
				t.Fatalf("frame %d: dropped count did not increase, got %d", i, j.Dropped())
			}
		}
		dropped = j.Dropped()
		last = cur
	}
	if !sawDrop {
		t.Fatalf("no frames dropped")
	}
	if j.Forwarded() != 10 {
		t.Fatalf("forwarded, got %d, expected 10", j.Forwarded())
	}

	close(sink.gate)
	j.Close()
	if err := waitJob(t, j); err != nil {
		t.Fatalf("job: %v", err)
	}
	if j.Frames() != 10 {
		t.Fatalf("written, got %d, expected 10", j.Frames())
	}
	if p.Buffered().Load() != 0 {
		t.Fatalf("buffered after job, got %d, expected 0", p.Buffered().Load())
	}
	p.Finish()
	<-done
}

func TestPipelineFrameLimitDoesNotCountDrops(t *testing.T) {
	p := NewPipeline(&PipelineOpts{Ceiling: 1})
	j := NewJob(&memSink{}, Frames(100))
	for i := 0; i < 5; i++ {
		b := newFrame(uint64(i), frame.Mono8)
		p.Forward(j, b, Notification{})
		b.Release()
	}
	// First frame goes through, then the ceiling is exceeded.
	if j.Forwarded() != 1 || j.Dropped() != 0 {
		t.Fatalf("forwarded %d dropped %d, expected 1 and 0", j.Forwarded(), j.Dropped())
	}
}

func TestPipelineSinkError(t *testing.T) {
	p, done := startPipeline(t, nil)
	bad := &memSink{failAt: 2}
	good := &memSink{}
	j1 := NewJob(bad, Unbounded())
	j2 := NewJob(good, Unbounded())
	p.Enqueue(j1)
	p.Enqueue(j2)

	for i := 0; i < 3; i++ {
		b := newFrame(uint64(i), frame.Mono8)
		p.Forward(j1, b, Notification{})
		b.Release()
	}
	if err := waitJob(t, j1); !errors.Is(err, errDiskFull) {
		t.Fatalf("failed job, got %v, expected %v", err, errDiskFull)
	}
	if !j1.Failed() || !bad.finalized {
		t.Fatalf("failed job not marked failed or not finalized")
	}
	// The capture loop detaches the failed job.
	j1.Close()
	j1.Discard()

	for i := 0; i < 2; i++ {
		b := newFrame(uint64(i), frame.Mono8)
		p.Forward(j2, b, Notification{})
		b.Release()
	}
	j2.Close()
	if err := waitJob(t, j2); err != nil {
		t.Fatalf("second job: %v", err)
	}
	if len(good.seqs) != 2 {
		t.Fatalf("second job frames, got %d, expected 2", len(good.seqs))
	}
	p.Finish()
	<-done

	var errs int
	for ev := range p.Events() {
		if e, ok := ev.(Error); ok {
			errs++
			if e.JobID != j1.ID {
				t.Fatalf("error for job %v, expected %v", e.JobID, j1.ID)
			}
		}
	}
	if errs != 1 {
		t.Fatalf("error events, got %d, expected 1", errs)
	}
}

func TestPipelineCaptureEnded(t *testing.T) {
	p, done := startPipeline(t, nil)
	p.CaptureEnded()
	p.Finish()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	var ended bool
	for ev := range p.Events() {
		if _, ok := ev.(CaptureThreadEnded); ok {
			ended = true
		}
	}
	if !ended {
		t.Fatalf("missing capture ended event")
	}
	if err := p.Enqueue(NewJob(&memSink{}, Unbounded())); !errors.Is(err, ErrClosed) {
		t.Fatalf("enqueue after run, got %v, expected %v", err, ErrClosed)
	}
}

func TestPipelineCancel(t *testing.T) {
	p := NewPipeline(nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- p.Run(ctx)
	}()
	sink := &memSink{}
	j := NewJob(sink, Unbounded())
	p.Enqueue(j)
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("run, got %v, expected %v", err, context.Canceled)
	}
	if err := waitJob(t, j); !errors.Is(err, context.Canceled) {
		t.Fatalf("job, got %v, expected %v", err, context.Canceled)
	}
}

func TestPipelineEnqueueDuringFinish(t *testing.T) {
	for i := 0; i < 200; i++ {
		p, done := startPipeline(t, nil)
		go p.Finish()
		j := NewJob(&memSink{}, Unbounded())
		j.Close()
		err := p.Enqueue(j)
		if err == nil {
			// An accepted job is always completed.
			if err := waitJob(t, j); err != nil {
				t.Fatalf("job: %v", err)
			}
		} else if !errors.Is(err, ErrClosed) {
			t.Fatalf("enqueue, got %v, expected nil or %v", err, ErrClosed)
		}
		if err := <-done; err != nil {
			t.Fatalf("run: %v", err)
		}
	}
}
