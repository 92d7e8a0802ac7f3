package spool

import (
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/disintegration/imaging"

	"github.com/skyframe/skyframe/capture"
	"github.com/skyframe/skyframe/frame"
)

func TestParseDevices(t *testing.T) {
	const imagesnap0 = `Video Devices:
<AVCaptureDALDevice: 0x7fa2c7852fd0 [FaceTime HD Camera (Built-in)][0x8020000005ac8514]>
<AVCaptureDALDevice: 0x7fa2c784f4e0 [Cam Link 4K #5][0x2000000fd90066]>
`
	devs, err := parseImagesnapDevices(imagesnap0)
	if err != nil {
		t.Fatalf("parsing old imagesnap output: %v", err)
	}
	exp := []Device{
		{ID: "FaceTime HD Camera (Built-in)", Name: "FaceTime HD Camera (Built-in)"},
		{ID: "Cam Link 4K #5", Name: "Cam Link 4K #5"},
	}
	if !reflect.DeepEqual(devs, exp) {
		t.Fatalf("imagesnap devices, got %v, expected %v", devs, exp)
	}

	devs, err = parseImagesnapDevices("Video Devices:\n=> FaceTime HD Camera (Built-in)\n")
	if err != nil {
		t.Fatalf("parsing imagesnap output: %v", err)
	}
	exp = []Device{{ID: "FaceTime HD Camera (Built-in)", Name: "FaceTime HD Camera (Built-in)"}}
	if !reflect.DeepEqual(devs, exp) {
		t.Fatalf("imagesnap devices, got %v, expected %v", devs, exp)
	}

	const v4l2 = `bcm2835-codec-decode (platform:bcm2835-codec):
	/dev/video10
	/dev/video11

ZWO ASI120MM Mini (usb-0000:01:00.0-1.2):
	/dev/video0
	/dev/video1
	/dev/media3
`
	devs, err = parseV4L2Devices(v4l2)
	if err != nil {
		t.Fatalf("parsing v4l2-ctl output: %v", err)
	}
	exp = []Device{
		{Name: "ZWO ASI120MM Mini (usb-0000:01:00.0-1.2)", ID: "/dev/video0"},
		{Name: "ZWO ASI120MM Mini (usb-0000:01:00.0-1.2)", ID: "/dev/video1"},
	}
	if !reflect.DeepEqual(devs, exp) {
		t.Fatalf("v4l2 devices, got %v, expected %v", devs, exp)
	}

	if _, err := parseV4L2Devices(""); err == nil {
		t.Fatalf("parsing empty output, got nil error")
	}
}

// spool writes a gray test image into dir, through a rename so the watcher
// only sees complete files.
func spool(t *testing.T, staging, dir, name string, v uint8) {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 32, 24))
	for i := range img.Pix {
		img.Pix[i] = v
	}
	img.SetGray(5, 7, color.Gray{Y: 255})
	p := filepath.Join(staging, name)
	if err := imaging.Save(img, p); err != nil {
		t.Fatalf("saving image: %v", err)
	}
	if err := os.Rename(p, filepath.Join(dir, name)); err != nil {
		t.Fatalf("moving image into spool dir: %v", err)
	}
}

func dirs(t *testing.T) (staging, dir string) {
	root := t.TempDir()
	staging = filepath.Join(root, "staging")
	dir = filepath.Join(root, "spool")
	for _, d := range []string{staging, dir} {
		if err := os.Mkdir(d, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	return
}

func TestWatch(t *testing.T) {
	staging, dir := dirs(t)
	s, err := Watch(&Opts{Dir: dir, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer s.Close()

	spool(t, staging, dir, "a.png", 40)

	var f frame.Frame
	if err := s.Capture(&f); err != nil {
		t.Fatalf("capture: %v", err)
	}
	if !f.Matches(32, 24, frame.Mono8) {
		t.Fatalf("frame, got %dx%d %s, expected 32x24 mono8", f.Width, f.Height, f.Format)
	}
	if v := f.Value(5, 7); v != 255 {
		t.Fatalf("pixel value, got %v, expected 255", v)
	}
	if v := f.Value(0, 0); v != 40 {
		t.Fatalf("background value, got %v, expected 40", v)
	}

	// Consumed images are removed.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(filepath.Join(dir, "a.png")); errors.Is(err, os.ErrNotExist) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("spooled image not removed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestTimeout(t *testing.T) {
	_, dir := dirs(t)
	s, err := Watch(&Opts{Dir: dir, Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer s.Close()

	var f frame.Frame
	if err := s.Capture(&f); !errors.Is(err, capture.ErrFrameUnavailable) {
		t.Fatalf("capture without images, got %v, expected %v", err, capture.ErrFrameUnavailable)
	}

	s.Close()
	if err := s.Capture(&f); !errors.Is(err, capture.ErrClosed) {
		t.Fatalf("capture after close, got %v, expected %v", err, capture.ErrClosed)
	}
}

func TestPauseDiscards(t *testing.T) {
	staging, dir := dirs(t)
	s, err := Watch(&Opts{Dir: dir, Timeout: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer s.Close()

	s.Pause()
	spool(t, staging, dir, "paused.png", 1)
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(filepath.Join(dir, "paused.png")); errors.Is(err, os.ErrNotExist) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("image not discarded while paused")
		}
		time.Sleep(10 * time.Millisecond)
	}
	var f frame.Frame
	if err := s.Capture(&f); !errors.Is(err, capture.ErrFrameUnavailable) {
		t.Fatalf("capture while paused, got %v, expected %v", err, capture.ErrFrameUnavailable)
	}

	s.Resume()
	s.opts.Timeout = 5 * time.Second
	spool(t, staging, dir, "resumed.png", 2)
	if err := s.Capture(&f); err != nil {
		t.Fatalf("capture after resume: %v", err)
	}
	if v := f.Value(0, 0); v != 2 {
		t.Fatalf("value after resume, got %v, expected 2", v)
	}
}

func TestMono(t *testing.T) {
	img := image.NewNRGBA(image.Rect(10, 10, 14, 12))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i+0], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = 100, 100, 100, 255
	}
	g := gray(img)
	if g.Bounds() != image.Rect(0, 0, 4, 2) {
		t.Fatalf("gray bounds, got %v, expected %v", g.Bounds(), image.Rect(0, 0, 4, 2))
	}
	if g.Pix[0] != 100 {
		t.Fatalf("gray value, got %d, expected 100", g.Pix[0])
	}
}
