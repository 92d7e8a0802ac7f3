package recording

import (
	"fmt"
	"time"
)

type limitKind int

const (
	unbounded limitKind = iota
	frameCount
	duration
)

// Limit ends a recording after a number of frames or a duration, or never.
// The zero Limit is unbounded.
type Limit struct {
	kind     limitKind
	frames   uint64
	duration time.Duration
}

// Unbounded returns a limit that is never reached.
func Unbounded() Limit {
	return Limit{}
}

// Frames returns a limit reached after n frames.
func Frames(n uint64) Limit {
	return Limit{kind: frameCount, frames: n}
}

// For returns a limit reached after d.
func For(d time.Duration) Limit {
	return Limit{kind: duration, duration: d}
}

// Reached reports whether a job that forwarded frames over elapsed is done.
func (l Limit) Reached(frames uint64, elapsed time.Duration) bool {
	switch l.kind {
	case frameCount:
		return frames >= l.frames
	case duration:
		return elapsed >= l.duration
	}
	return false
}

// CountsDrops reports whether frames dropped under backpressure are counted.
// Only duration limited jobs count them; a frame count limited job just takes
// longer to reach its count.
func (l Limit) CountsDrops() bool {
	return l.kind == duration
}

// IsDuration reports whether the limit is a duration.
func (l Limit) IsDuration() bool {
	return l.kind == duration
}

// IsFrames reports whether the limit is a frame count.
func (l Limit) IsFrames() bool {
	return l.kind == frameCount
}

func (l Limit) String() string {
	switch l.kind {
	case frameCount:
		return fmt.Sprintf("%d frames", l.frames)
	case duration:
		return l.duration.String()
	}
	return "unbounded"
}
