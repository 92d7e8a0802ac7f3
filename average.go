// Package skyframe acquires a continuous stream of images from a camera,
// tracks a feature in the stream, steers a mount from the tracked position
// and records a sub-stream, without stalling the acquisition loop.
//
// The components live in sub-packages: frame (buffers and pool), capture
// (the acquisition loop and frame sources), recording (the job pipeline),
// sink (output writers), track (feature trackers), guide (calibration and
// guiding), mount (mount clients) and session (which wires them together).
package skyframe

import (
	"fmt"
)

// MovingAverage is a moving average filter, for smoothing out rates such as
// frames per second or write throughput.
type MovingAverage struct {
	index  int
	count  int
	sum    float64
	values []float64
}

// NewMovingAverage returns a new moving average filter with a history of given
// size.
func NewMovingAverage(size int) (*MovingAverage, error) {
	if size <= 0 {
		return nil, fmt.Errorf("size must be > 0")
	}
	return &MovingAverage{values: make([]float64, size)}, nil
}

// Update adds one value to the moving average filter and returns the average
// over the history. Until the history is full, only the values seen so far are
// taken into account.
func (m *MovingAverage) Update(value float64) (float64, error) {
	if len(m.values) == 0 {
		return 0, fmt.Errorf("invalid MovingAverage, use NewMovingAverage")
	}
	m.sum -= m.values[m.index]
	m.sum += value
	m.values[m.index] = value
	m.index++
	if m.index >= len(m.values) {
		m.index = 0
	}
	if m.count < len(m.values) {
		m.count++
	}
	return m.sum / float64(m.count), nil
}

// Average returns the current average, or 0 if no values were added.
func (m *MovingAverage) Average() float64 {
	if m.count == 0 {
		return 0
	}
	return m.sum / float64(m.count)
}
