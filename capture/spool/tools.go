package spool

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

var installHints = map[string]string{
	"ffmpeg":         "sudo apt install -y ffmpeg v4l-utils",
	"v4l2-ctl":       "sudo apt install -y v4l-utils",
	"gst-launch-1.0": "sudo apt install -y gstreamer1.0-tools gstreamer1.0-plugins-good gstreamer1.0-plugins-base",
	"imagesnap":      "brew install imagesnap",
}

// Device is a camera that can be used with one of the capture tools.
type Device struct {
	Name string
	ID   string
}

func (d Device) String() string {
	if d.Name == d.ID {
		return d.ID
	}
	return fmt.Sprintf("%s (%s)", d.Name, d.ID)
}

// FFmpeg captures MJPEG frames from a video4linux device with ffmpeg. If
// opts.Device is empty, the first device listed by v4l2-ctl is used.
func FFmpeg(opts *Opts) (*Source, error) {
	o := withDefaults(opts)
	if o.Device == "" {
		devs, err := V4L2Devices()
		if err != nil {
			return nil, fmt.Errorf("listing devices: %w", err)
		}
		o.Device = devs[0].ID
	}
	args := []string{
		"ffmpeg",
		"-loglevel", "error",
		"-framerate", fmt.Sprintf("%d", rate(o.Interval)),
		"-video_size", fmt.Sprintf("%dx%d", o.Width, o.Height),
		"-c:v", "mjpeg",
		"-i", o.Device,
		"-f", "image2",
		"-c:v", "copy",
		"-bsf:v", "mjpeg2jpeg",
		"-qscale:v", "2",
		"frame%d.jpg",
	}
	return New(args, &o)
}

// GStreamer captures frames from a video4linux device with gst-launch-1.0,
// encoding them as JPEG. If opts.Device is empty, /dev/video0 is used.
func GStreamer(opts *Opts) (*Source, error) {
	o := withDefaults(opts)
	if o.Device == "" {
		o.Device = "/dev/video0"
	}
	args := []string{
		"gst-launch-1.0", "-q",
		"v4l2src", "device=" + o.Device,
		"!", fmt.Sprintf("video/x-raw,width=%d,height=%d", o.Width, o.Height),
		"!", "videorate",
		"!", fmt.Sprintf("video/x-raw,framerate=%d/1", rate(o.Interval)),
		"!", "videoconvert",
		"!", "jpegenc",
		"!", "multifilesink", "location=frame%05d.jpg",
	}
	return New(args, &o)
}

// Imagesnap captures frames with imagesnap on macOS. If opts.Device is empty,
// the first device listed by imagesnap is used.
func Imagesnap(opts *Opts) (*Source, error) {
	o := withDefaults(opts)
	if o.Device == "" {
		devs, err := ImagesnapDevices()
		if err != nil {
			return nil, fmt.Errorf("listing devices: %w", err)
		}
		o.Device = devs[0].ID
	}
	args := []string{
		"imagesnap",
		"-d", o.Device,
		"-t", fmt.Sprintf("%.2f", o.Interval.Seconds()),
	}
	return New(args, &o)
}

func withDefaults(opts *Opts) Opts {
	var o Opts
	if opts != nil {
		o = *opts
	}
	if o.Width <= 0 || o.Height <= 0 {
		o.Width, o.Height = 640, 480
	}
	if o.Interval <= 0 {
		o.Interval = 100 * time.Millisecond
	}
	return o
}

func rate(interval time.Duration) int {
	r := int(time.Second / interval)
	if r < 1 {
		r = 1
	}
	return r
}

// V4L2Devices lists video4linux devices with v4l2-ctl. It returns an error if
// no devices are available.
func V4L2Devices() ([]Device, error) {
	buf, err := exec.Command("v4l2-ctl", "--list-devices").Output()
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			err = fmt.Errorf("%w, install with: %s", err, installHints["v4l2-ctl"])
		}
		return nil, fmt.Errorf("listing devices using v4l2-ctl: %w", err)
	}
	return parseV4L2Devices(string(buf))
}

func parseV4L2Devices(s string) ([]Device, error) {
	var cur string
	devs := []Device{}
	for _, line := range strings.Split(s, "\n") {
		if !strings.HasPrefix(line, "\t") {
			cur = strings.TrimSuffix(strings.TrimSpace(line), ":")
			continue
		}
		// Raspberry Pi codec and isp nodes are not cameras.
		if cur == "" || strings.HasPrefix(cur, "bcm2835-") {
			continue
		}
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "/dev/video") {
			continue
		}
		devs = append(devs, Device{Name: cur, ID: line})
	}
	if len(devs) == 0 {
		return nil, fmt.Errorf("no devices available")
	}
	return devs, nil
}

// ImagesnapDevices lists the devices available to imagesnap. It returns an
// error if no devices are available.
func ImagesnapDevices() ([]Device, error) {
	buf, err := exec.Command("imagesnap", "-l").Output()
	if err != nil {
		return nil, fmt.Errorf("listing devices with imagesnap -l: %w", err)
	}
	return parseImagesnapDevices(string(buf))
}

func parseImagesnapDevices(s string) ([]Device, error) {
	devs := []Device{}
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "=> "):
			// Example: "=> FaceTime HD Camera (Built-in)"
			name := line[len("=> "):]
			devs = append(devs, Device{Name: name, ID: name})
		case strings.HasPrefix(line, "<"):
			// Example: "<AVCaptureDALDevice: 0x7fa2c7852fd0 [FaceTime HD Camera (Built-in)][0x8020000005ac8514]>"
			t := strings.Split(line, "[")
			if len(t) < 2 {
				continue
			}
			name := strings.Split(t[1], "]")[0]
			devs = append(devs, Device{Name: name, ID: name})
		}
	}
	if len(devs) == 0 {
		return nil, fmt.Errorf("no devices available")
	}
	return devs, nil
}
