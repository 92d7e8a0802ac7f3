package capture

import (
	"fmt"
	"image"
	"time"

	"github.com/golang/geo/r2"
	"github.com/google/uuid"

	"github.com/skyframe/skyframe/recording"
)

// Command is a control message for the loop, see Loop.Send.
type Command interface {
	isCommand()
}

// Pause suspends capturing.
type Pause struct{}

// Resume continues capturing after Pause.
type Resume struct{}

// StartRecording attaches a job. Jobs receive frames one after the other, in
// the order they were attached.
type StartRecording struct {
	Job *recording.Job
}

// StopRecording detaches the job currently receiving frames.
type StopRecording struct{}

// EnableCentroidTracking starts centroid tracking of Area on the next frame.
type EnableCentroidTracking struct {
	Area image.Rectangle
}

// EnableAnchorTracking starts block matching around Point on the next frame.
type EnableAnchorTracking struct {
	Point r2.Point
}

// EnableRecordingCrop records only Area of each frame. While tracking, the
// area follows the tracked position. An empty area records whole frames.
type EnableRecordingCrop struct {
	Area image.Rectangle
}

// DisableTracking stops tracking.
type DisableTracking struct{}

// Finish ends the loop. Attached jobs are closed.
type Finish struct{}

func (Pause) isCommand()                  {}
func (Resume) isCommand()                 {}
func (StartRecording) isCommand()         {}
func (StopRecording) isCommand()          {}
func (EnableCentroidTracking) isCommand() {}
func (EnableAnchorTracking) isCommand()   {}
func (EnableRecordingCrop) isCommand()    {}
func (DisableTracking) isCommand()        {}
func (Finish) isCommand()                 {}

// Event is sent by the loop on the channel returned by Loop.Events.
type Event interface {
	isEvent()
}

// Paused reports a change of the paused state.
type Paused struct {
	Paused bool
}

// CaptureError reports the error that ended the loop.
type CaptureError struct {
	Err error
}

// RecordingFinished reports that a job was detached from the loop, because
// its limit was reached, it was stopped or the loop ended.
type RecordingFinished struct {
	JobID   uuid.UUID
	Frames  uint64 // Frames forwarded to the pipeline.
	Dropped uint64 // Frames dropped under backpressure, for duration limits.
}

// RecordingStatus describes the job receiving frames.
type RecordingStatus struct {
	JobID   uuid.UUID
	Limit   recording.Limit
	Frames  uint64
	Dropped uint64
	Elapsed time.Duration
}

// PeriodicInfo is sent about once per second.
type PeriodicInfo struct {
	FPS       float64          // Smoothed capture rate.
	Recording *RecordingStatus // Nil when not recording.
}

// TrackingUpdate reports a new tracked position. Area is empty for trackers
// without an area.
type TrackingUpdate struct {
	Position r2.Point
	Area     image.Rectangle
}

// TrackingFailed reports a tracker error. After a permanent failure tracking
// is disabled.
type TrackingFailed struct {
	Err       error
	Permanent bool
}

func (Paused) isEvent()            {}
func (CaptureError) isEvent()      {}
func (RecordingFinished) isEvent() {}
func (PeriodicInfo) isEvent()      {}
func (TrackingUpdate) isEvent()    {}
func (TrackingFailed) isEvent()    {}

func (e RecordingFinished) String() string {
	return fmt.Sprintf("recording %s finished, %d frames, %d dropped", e.JobID, e.Frames, e.Dropped)
}
