package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/golang/geo/r2"
	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/skyframe/skyframe/capture"
	"github.com/skyframe/skyframe/capture/spool"
	"github.com/skyframe/skyframe/capture/synth"
	"github.com/skyframe/skyframe/config"
	"github.com/skyframe/skyframe/frame"
	"github.com/skyframe/skyframe/guide"
	"github.com/skyframe/skyframe/logging"
	"github.com/skyframe/skyframe/mount"
	"github.com/skyframe/skyframe/preview"
	"github.com/skyframe/skyframe/recording"
	"github.com/skyframe/skyframe/session"
	"github.com/skyframe/skyframe/sink"
	"github.com/skyframe/skyframe/track"
)

func newRunCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Capture frames, and optionally track, record and guide",
		Long: `Run captures frames until interrupted. With an output it records frames, and
finishes once a frame or duration limited recording is complete. The first
interrupt finishes gracefully, writing all captured frames; a second one
aborts.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(v)
			if err != nil {
				return err
			}
			return run(cmd.Context(), c, cmd.ErrOrStderr())
		},
	}

	flags := cmd.Flags()
	flags.String("source", "", "frame source: synthetic, ffmpeg, gstreamer, imagesnap or dir")
	flags.String("device", "", "capture device, by default the first device found")
	flags.String("dir", "", "directory to watch for images with source dir")
	flags.Duration("interval", 0, "time between frames")
	flags.StringP("output", "o", "", "stream file or sequence directory to record to")
	flags.String("kind", "", "recording kind: stream or sequence")
	flags.Uint64("frames", 0, "number of frames to record")
	flags.Duration("duration", 0, "duration to record")
	flags.String("tracking", "", "tracking mode: none, centroid or anchor")
	flags.String("mount", "", "mount: none, simulated or socket")
	flags.Bool("guide", false, "calibrate the mount and guide on the tracked position")
	flags.String("preview", "", "address of the preview server, e.g. :8080")
	flags.String("log-level", "", "log level: debug, info, warn or error")

	for key, name := range map[string]string{
		"capture.source":     "source",
		"capture.device":     "device",
		"capture.dir":        "dir",
		"capture.interval":   "interval",
		"recording.output":   "output",
		"recording.kind":     "kind",
		"recording.frames":   "frames",
		"recording.duration": "duration",
		"tracking.mode":      "tracking",
		"guiding.mount":      "mount",
		"guiding.enabled":    "guide",
		"preview.addr":       "preview",
		"logging.level":      "log-level",
	} {
		_ = v.BindPFlag(key, flags.Lookup(name))
	}
	return cmd
}

func run(ctx context.Context, c *config.Config, stderr io.Writer) error {
	log, closeLog, err := openLogger(c.Logging, stderr)
	if err != nil {
		return err
	}
	defer closeLog()

	src, sky, err := openSource(c, log)
	if err != nil {
		return fmt.Errorf("opening source: %w", err)
	}
	if cl, ok := src.(io.Closer); ok {
		defer cl.Close()
	}

	m, err := openMount(ctx, c, sky, log)
	if err != nil {
		return fmt.Errorf("opening mount: %w", err)
	}
	if cl, ok := m.(io.Closer); ok {
		defer cl.Close()
	}

	s := session.New(src, sessionOpts(c, log, m))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var srv *preview.Server
	if c.Preview.Addr != "" {
		srv = preview.New(s.Preview(), &preview.Opts{
			MaxWidth:  c.Preview.MaxWidth,
			MaxHeight: c.Preview.MaxHeight,
			Quality:   c.Preview.Quality,
			Logger:    log,
		})
	}

	signals := make(chan os.Signal, 2)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)

	p := pool.New().WithContext(ctx).WithCancelOnError().WithFirstError()
	p.Go(func(ctx context.Context) error {
		// Everything else stops with the session.
		defer cancel()
		return s.Run(ctx)
	})
	p.Go(func(ctx context.Context) error {
		forwardEvents(s, srv, log)
		return nil
	})
	p.Go(func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return nil
		case <-signals:
		}
		log.Info("finishing, interrupt again to abort")
		if err := s.Finish(); err != nil && !errors.Is(err, capture.ErrClosed) {
			return err
		}
		select {
		case <-ctx.Done():
		case <-signals:
			log.Warn("aborting")
			cancel()
		}
		return nil
	})
	p.Go(func(ctx context.Context) error {
		return control(ctx, s, c, log)
	})
	if srv != nil {
		p.Go(srv.Run)
		p.Go(func(ctx context.Context) error {
			return srv.ListenAndServe(ctx, c.Preview.Addr)
		})
	}
	if c.Guiding.Enabled {
		p.Go(func(ctx context.Context) error {
			guideOn(ctx, s, c.Guiding, log)
			return nil
		})
	}

	err = p.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func openLogger(lc config.LoggingConfig, stderr io.Writer) (*slog.Logger, func(), error) {
	if lc.File == "" {
		return logging.New(stderr, lc.Level), func() {}, nil
	}
	log, closer, err := logging.Open(lc.File, lc.Level)
	if err != nil {
		return nil, nil, err
	}
	return log, func() { closer.Close() }, nil
}

// openSource returns the configured source, and the simulated sky for the
// synthetic source.
func openSource(c *config.Config, log *slog.Logger) (capture.Source, *synth.Sky, error) {
	cc := c.Capture
	if cc.Source == "synthetic" {
		format, _ := frame.ParsePixelFormat(cc.Format)
		sc := c.Synthetic
		sky := synth.NewSky(config.Point(sc.Star), config.Point(sc.Drift), nil)
		src := synth.NewSource(sky, &synth.SourceOpts{
			Width:    cc.Width,
			Height:   cc.Height,
			Format:   format,
			Interval: cc.Interval,
			Sigma:    sc.Sigma,
			Noise:    sc.Noise,
			Seed:     sc.Seed,
		})
		log.Info("capturing synthetic star field", "format", format, "star", sky.Star())
		return src, sky, nil
	}

	opts := &spool.Opts{
		Dir:      cc.Dir,
		Device:   cc.Device,
		Width:    cc.Width,
		Height:   cc.Height,
		Interval: cc.Interval,
		Timeout:  cc.Timeout,
		Mono:     cc.Mono,
		Logger:   log,
	}
	var (
		src *spool.Source
		err error
	)
	switch cc.Source {
	case "ffmpeg":
		src, err = spool.FFmpeg(opts)
	case "gstreamer":
		src, err = spool.GStreamer(opts)
	case "imagesnap":
		src, err = spool.Imagesnap(opts)
	case "dir":
		src, err = spool.Watch(opts)
	default:
		return nil, nil, fmt.Errorf("unknown source %q", cc.Source)
	}
	if err != nil {
		return nil, nil, err
	}
	log.Info("capturing", "source", cc.Source, "dir", src.Dir())
	return src, nil, nil
}

// openMount returns nil without a configured mount.
func openMount(ctx context.Context, c *config.Config, sky *synth.Sky, log *slog.Logger) (guide.Mount, error) {
	gc := c.Guiding
	switch gc.Mount {
	case "simulated":
		if sky == nil {
			return nil, errors.New("simulated mount requires the synthetic source")
		}
		sin, cos := math.Sincos(c.Synthetic.Rotate * math.Pi / 180)
		return synth.NewMount(sky, &synth.MountOpts{
			Primary:   r2.Point{X: cos, Y: sin},
			Secondary: r2.Point{X: -sin, Y: cos},
			Scale:     c.Synthetic.Scale,
		}), nil

	case "socket":
		opts := &mount.Opts{Timeout: gc.Timeout, TraceDir: gc.TraceDir, Logger: log}
		var (
			client *mount.Client
			err    error
		)
		if gc.Socket != "" {
			client, err = mount.Dial(ctx, gc.Socket, opts)
		} else {
			client, err = mount.Start(ctx, gc.Daemon, opts)
		}
		if err != nil {
			return nil, err
		}
		log.Info("mount connected", "mount", client.Info().String())
		return client, nil
	}
	return nil, nil
}

func sessionOpts(c *config.Config, log *slog.Logger, m guide.Mount) *session.Opts {
	tc, gc := c.Tracking, c.Guiding
	return &session.Opts{
		Logger: log,
		Mount:  m,
		Loop: &capture.LoopOpts{
			InfoInterval: c.Capture.InfoInterval,
			Centroid:     &track.CentroidOpts{Threshold: tc.Threshold, JumpLimit: tc.JumpLimit},
			Anchor:       &track.AnchorOpts{BlockSize: tc.BlockSize, SearchRadius: tc.SearchRadius, SearchStep: tc.SearchStep},
		},
		Pipeline: &recording.PipelineOpts{Ceiling: c.Recording.CeilingMB << 20},
		Calibrator: &guide.CalibratorOpts{
			SlewDuration:    gc.SlewDuration,
			MinDisplacement: gc.MinDisplacement,
		},
		Controller: &guide.ControllerOpts{
			Margin:         gc.Margin,
			Rate:           gc.Rate,
			ActiveInterval: gc.ActiveInterval,
			IdleInterval:   gc.IdleInterval,
		},
	}
}

// control starts tracking and the recording, and finishes the session when
// a limited recording is complete.
func control(ctx context.Context, s *session.Session, c *config.Config, log *slog.Logger) error {
	// A stopped loop is reported by the session.
	ignoreClosed := func(err error) error {
		if errors.Is(err, capture.ErrClosed) {
			return nil
		}
		return err
	}

	tc := c.Tracking
	switch tc.Mode {
	case "centroid":
		if err := s.TrackCentroid(config.Rect(tc.Area)); err != nil {
			return ignoreClosed(err)
		}
	case "anchor":
		if err := s.TrackAnchor(config.Point(tc.Point)); err != nil {
			return ignoreClosed(err)
		}
	}

	rc := c.Recording
	if rc.Output == "" {
		return nil
	}
	if len(rc.Crop) == 4 {
		if err := s.CropRecording(config.Rect(rc.Crop)); err != nil {
			return ignoreClosed(err)
		}
	}
	out, err := openSink(rc)
	if err != nil {
		return err
	}
	limit := limitOf(rc)
	j, err := s.Record(out, limit)
	if err != nil {
		return ignoreClosed(err)
	}
	log.Info("recording", "output", rc.Output, "kind", rc.Kind, "limit", limit.String())

	if err := j.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("recording %s: %w", rc.Output, err)
	}
	log.Info("recording complete", "output", rc.Output, "frames", j.Frames(), "dropped", j.Dropped())
	if !limit.IsFrames() && !limit.IsDuration() {
		return nil
	}
	return ignoreClosed(s.Finish())
}

func openSink(rc config.RecordingConfig) (recording.Sink, error) {
	fs := afero.NewOsFs()
	if rc.Kind == "sequence" {
		seq, err := sink.NewSequence(fs, rc.Output, &sink.SequenceOpts{Format: rc.ImageFormat})
		if err != nil {
			return nil, err
		}
		return seq, nil
	}
	if err := fs.MkdirAll(filepath.Dir(rc.Output), 0o755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}
	st, err := sink.NewStream(fs, rc.Output)
	if err != nil {
		return nil, err
	}
	return st, nil
}

func limitOf(rc config.RecordingConfig) recording.Limit {
	switch {
	case rc.Frames > 0:
		return recording.Frames(rc.Frames)
	case rc.Duration > 0:
		return recording.For(rc.Duration)
	}
	return recording.Unbounded()
}

// guideOn waits for a tracked position, calibrates and then guides on that
// position until ctx is cancelled. Failures are logged, capturing goes on.
func guideOn(ctx context.Context, s *session.Session, gc config.GuidingConfig, log *slog.Logger) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	var lock r2.Point
	for {
		p, ok := s.Position().Position()
		if ok {
			lock = p
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}

	log.Info("calibrating", "speed", gc.Speed, "position", lock)
	if _, err := s.Calibrate(ctx, gc.Speed); err != nil {
		if ctx.Err() == nil {
			log.Error("calibration failed, not guiding", "err", err)
		}
		return
	}
	if err := s.Guide(ctx, lock); err != nil {
		log.Error("guiding stopped", "err", err)
	}
}

// forwardEvents logs session events and publishes them to the preview
// clients, until both event channels are closed.
func forwardEvents(s *session.Session, srv *preview.Server, log *slog.Logger) {
	events, recEvents := s.Events(), s.RecordingEvents()
	for events != nil || recEvents != nil {
		var ev any
		select {
		case e, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			ev = e
		case e, ok := <-recEvents:
			if !ok {
				recEvents = nil
				continue
			}
			ev = e
		}
		logEvent(log, ev)
		if srv != nil {
			srv.Publish(ev)
		}
	}
}

func logEvent(log *slog.Logger, ev any) {
	switch ev := ev.(type) {
	case capture.PeriodicInfo:
		if r := ev.Recording; r != nil {
			log.Info("capture", "fps", ev.FPS, "job", r.JobID, "frames", r.Frames, "dropped", r.Dropped)
		} else {
			log.Debug("capture", "fps", ev.FPS)
		}
	case capture.CaptureError:
		log.Error("capture failed", "err", ev.Err)
	case capture.TrackingFailed:
		log.Warn("tracking failed", "err", ev.Err, "permanent", ev.Permanent)
	case capture.RecordingFinished:
		log.Info(ev.String())
	case capture.TrackingUpdate:
		log.Debug("tracking", "x", ev.Position.X, "y", ev.Position.Y)
	case recording.PeriodicInfo:
		log.Debug("recording", "jobs", ev.Jobs, "throughput", ev.Throughput, "buffered", ev.Buffered)
	case recording.Error:
		log.Error("recording failed", "job", ev.JobID, "err", ev.Err)
	case recording.JobFinished:
		log.Info("recording written", "job", ev.JobID, "frames", ev.Frames)
	default:
		log.Debug("event", "type", fmt.Sprintf("%T", ev))
	}
}
