// Package capture runs the acquisition loop: it captures frames from a Source
// into pooled buffers and hands them to the tracker, the recording pipeline
// and a single preview consumer without ever waiting for any of them.
package capture

import (
	"errors"

	"github.com/skyframe/skyframe/frame"
)

// ErrFrameUnavailable is returned, possibly wrapped, by a Source that had no
// frame in time. The loop skips the iteration. Any other error ends the loop.
var ErrFrameUnavailable = errors.New("frame unavailable")

// ErrClosed is returned when sending to a loop that stopped.
var ErrClosed = errors.New("capture loop stopped")

// Source is a camera or other device producing frames.
type Source interface {
	// Capture fills f with the next frame. It may change the size and format
	// of f with Reformat. Capture blocks at most for the device timeout.
	Capture(f *frame.Frame) error

	// Pause suspends the device without closing it.
	Pause() error

	// Resume continues after Pause.
	Resume() error
}
