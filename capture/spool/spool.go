// Package spool implements capture sources that read images spooled to a
// directory, either by an external tool such as ffmpeg, gst-launch-1.0 or
// imagesnap, or by anything else writing image files to a watched directory.
package spool

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/disintegration/imaging"
	"github.com/fsnotify/fsnotify"

	skyframe "github.com/skyframe/skyframe"
	"github.com/skyframe/skyframe/capture"
	"github.com/skyframe/skyframe/frame"
)

// Opts has options for a spool source.
type Opts struct {
	// Dir is watched for new images. If empty, a temporary directory is
	// created and removed again on Close.
	Dir string

	Device string // Device for the capture tool, e.g. /dev/video0.

	// Requested frame size, if the tool supports it.
	Width  int
	Height int

	Interval time.Duration // Time between frames, default 100ms.

	// Timeout for Capture, default 2s. After a timeout Capture returns
	// capture.ErrFrameUnavailable.
	Timeout time.Duration

	// Mono converts color images to 8 bit gray.
	Mono bool

	Logger *slog.Logger
}

// Source reads images written to a directory.
type Source struct {
	opts    Opts
	tool    string
	tempDir string // Removed on close.
	cancel  context.CancelFunc
	watcher *fsnotify.Watcher

	images chan image.Image // Holds at most one image, dropped when capture is busy.
	errs   chan error
	closed chan struct{}
	paused atomic.Bool

	closeOnce sync.Once
	dropped   atomic.Uint64
}

// Check that Source implements interface capture.Source.
var _ capture.Source = (*Source)(nil)

var imageExts = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".tif":  true,
	".tiff": true,
	".bmp":  true,
}

// Watch returns a source reading images that appear in opts.Dir. No tool is
// started.
func Watch(opts *Opts) (*Source, error) {
	if opts == nil || opts.Dir == "" {
		return nil, fmt.Errorf("watching directory: no directory")
	}
	return New(nil, opts)
}

// New starts the command cmd with its working directory set to the spool
// directory, and returns a source reading the images it writes there. With an
// empty cmd, New only watches the directory.
//
// Callers must call Close to clean up.
func New(cmd []string, opts *Opts) (source *Source, rerr error) {
	s := &Source{
		images: make(chan image.Image, 1),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}
	if opts != nil {
		s.opts = *opts
	}
	if s.opts.Interval <= 0 {
		s.opts.Interval = 100 * time.Millisecond
	}
	if s.opts.Timeout <= 0 {
		s.opts.Timeout = 2 * time.Second
	}
	if s.opts.Logger == nil {
		s.opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	log := s.opts.Logger

	// Ensure cleanup in case of failure.
	defer func() {
		if rerr != nil {
			s.Close()
		}
	}()

	if s.opts.Dir == "" {
		dir, err := skyframe.TempDir("skyframe-spool")
		if err != nil {
			return nil, fmt.Errorf("making temp dir: %w", err)
		}
		s.opts.Dir = dir
		s.tempDir = dir
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("new file change watcher: %w", err)
	}
	s.watcher = watcher
	go s.watch()

	if err := watcher.Add(s.opts.Dir); err != nil {
		return nil, fmt.Errorf("registering file change watcher for %s: %w", s.opts.Dir, err)
	}

	if len(cmd) == 0 {
		log.Info("watching directory for images", "dir", s.opts.Dir)
		return s, nil
	}

	s.tool = cmd[0]
	log.Info("starting capture tool", "tool", s.tool, "args", strings.Join(cmd[1:], " "), "dir", s.opts.Dir)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	c := exec.CommandContext(ctx, cmd[0], cmd[1:]...)
	c.Dir = s.opts.Dir
	if err := c.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			if hint, ok := installHints[s.tool]; ok {
				err = fmt.Errorf("%w, install with: %s", err, hint)
			}
		}
		return nil, fmt.Errorf("starting %s: %w", s.tool, err)
	}
	go func() {
		err := c.Wait()
		select {
		case <-s.closed:
			return
		default:
		}
		if err == nil {
			err = errors.New("exited")
		}
		s.fail(fmt.Errorf("%s: %w", s.tool, err))
	}()

	return s, nil
}

func (s *Source) watch() {
	log := s.opts.Logger
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if !imageExts[strings.ToLower(filepath.Ext(ev.Name))] {
				continue
			}
			if s.paused.Load() {
				os.Remove(ev.Name)
				continue
			}
			img, err := imaging.Open(ev.Name)
			if err != nil {
				// Files are often seen before they are completely written.
				log.Debug("decoding image, may be partially written", "file", ev.Name, "err", err)
				continue
			}
			if err := os.Remove(ev.Name); err != nil && !errors.Is(err, os.ErrNotExist) {
				log.Debug("removing image", "file", ev.Name, "err", err)
			}
			select {
			case s.images <- img:
			default:
				s.dropped.Add(1)
				log.Debug("dropping image, capture still busy", "file", ev.Name)
			}

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.fail(fmt.Errorf("watching for changes: %w", err))
		}
	}
}

func (s *Source) fail(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

// Capture fills f with the next image. It returns an error wrapping
// capture.ErrFrameUnavailable if no image arrived within the timeout.
func (s *Source) Capture(f *frame.Frame) error {
	t := time.NewTimer(s.opts.Timeout)
	defer t.Stop()

	select {
	case img := <-s.images:
		if s.opts.Mono {
			img = gray(img)
		}
		f.FromImage(img)
		return nil
	case err := <-s.errs:
		return err
	case <-s.closed:
		return capture.ErrClosed
	case <-t.C:
		return fmt.Errorf("no image after %v: %w", s.opts.Timeout, capture.ErrFrameUnavailable)
	}
}

func gray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok {
		return g
	}
	b := img.Bounds()
	g := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(g, g.Bounds(), img, b.Min, draw.Src)
	return g
}

// Pause discards images until Resume. The capture tool keeps running.
func (s *Source) Pause() error {
	s.paused.Store(true)
	select {
	case <-s.images:
	default:
	}
	return nil
}

// Resume continues after Pause.
func (s *Source) Resume() error {
	s.paused.Store(false)
	return nil
}

// Dir returns the spool directory.
func (s *Source) Dir() string {
	return s.opts.Dir
}

// Dropped returns the number of images dropped because capture was busy.
func (s *Source) Dropped() uint64 {
	return s.dropped.Load()
}

// Close stops the capture tool and removes the temporary directory.
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.cancel != nil {
			s.cancel()
		}
		if s.watcher != nil {
			s.watcher.Close()
		}
		if s.tempDir != "" {
			os.RemoveAll(s.tempDir)
		}
	})
	return nil
}
