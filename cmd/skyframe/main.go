// Command skyframe captures frames from a camera or a simulated star field,
// tracks a star, records to a CBOR stream or an image sequence, and guides a
// mount to keep the tracked star in place.
//
// Examples:
//
//	# Simulated star field, preview on http://localhost:8080/ws.
//	skyframe run --preview :8080
//
//	# Record 500 frames from /dev/video0 with ffmpeg.
//	skyframe run --source ffmpeg --device /dev/video0 --output m42.cbor --frames 500
//
//	# Track, calibrate and guide the simulated mount, config from a file.
//	skyframe run -c guide.yaml
//
//	# Convert a recorded stream to PNG files.
//	skyframe dump m42.cbor m42/
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
