package preview

import (
	"fmt"

	"github.com/skyframe/skyframe/capture"
	"github.com/skyframe/skyframe/recording"
)

// Status is a JSON message sent to preview clients. Type tells which of the
// other fields are set.
type Status struct {
	Type string `json:"type"`

	FPS       float64    `json:"fps,omitempty"`
	Paused    *bool      `json:"paused,omitempty"`
	Recording *JobStatus `json:"recording,omitempty"`

	X         float64 `json:"x,omitempty"`
	Y         float64 `json:"y,omitempty"`
	Area      []int   `json:"area,omitempty"` // x0, y0, x1, y1
	Permanent bool    `json:"permanent,omitempty"`

	Jobs       int     `json:"jobs,omitempty"`
	Throughput float64 `json:"throughput,omitempty"` // Bytes per second.
	Buffered   int64   `json:"buffered,omitempty"`

	Error string `json:"error,omitempty"`
}

// JobStatus describes a recording.
type JobStatus struct {
	ID      string  `json:"id"`
	Limit   string  `json:"limit,omitempty"`
	Frames  uint64  `json:"frames"`
	Dropped uint64  `json:"dropped"`
	Elapsed float64 `json:"elapsed,omitempty"` // Seconds.
}

// StatusOf converts a capture or recording event to a status message. The
// boolean is false for events not shown to clients.
func StatusOf(ev any) (Status, bool) {
	switch ev := ev.(type) {
	case capture.PeriodicInfo:
		s := Status{Type: "capture", FPS: ev.FPS}
		if r := ev.Recording; r != nil {
			s.Recording = &JobStatus{
				ID:      r.JobID.String(),
				Limit:   r.Limit.String(),
				Frames:  r.Frames,
				Dropped: r.Dropped,
				Elapsed: r.Elapsed.Seconds(),
			}
		}
		return s, true

	case capture.Paused:
		paused := ev.Paused
		return Status{Type: "paused", Paused: &paused}, true

	case capture.CaptureError:
		return Status{Type: "capture_error", Error: ev.Err.Error()}, true

	case capture.RecordingFinished:
		return Status{Type: "recording_detached", Recording: &JobStatus{ID: ev.JobID.String(), Frames: ev.Frames, Dropped: ev.Dropped}}, true

	case capture.TrackingUpdate:
		s := Status{Type: "tracking", X: ev.Position.X, Y: ev.Position.Y}
		if !ev.Area.Empty() {
			s.Area = []int{ev.Area.Min.X, ev.Area.Min.Y, ev.Area.Max.X, ev.Area.Max.Y}
		}
		return s, true

	case capture.TrackingFailed:
		return Status{Type: "tracking_failed", Error: ev.Err.Error(), Permanent: ev.Permanent}, true

	case recording.PeriodicInfo:
		return Status{Type: "recording", Jobs: ev.Jobs, Throughput: ev.Throughput, Buffered: ev.Buffered}, true

	case recording.JobFinished:
		return Status{Type: "recording_finished", Recording: &JobStatus{ID: ev.JobID.String(), Frames: ev.Frames}}, true

	case recording.Error:
		return Status{Type: "recording_error", Recording: &JobStatus{ID: ev.JobID.String()}, Error: ev.Err.Error()}, true

	case recording.CaptureThreadEnded:
		return Status{}, false
	}
	return Status{Type: "unknown", Error: fmt.Sprintf("%T", ev)}, false
}
