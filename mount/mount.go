// Package mount talks to a mount control daemon over a unix domain socket.
//
// Requests and responses are JSON objects, one per line. Each request carries
// an ID and a single operation, the daemon answers with the same ID:
//
//	{"id":2,"slew":{"axis":"primary","speed":1.5}}
//	{"id":2,"success":true}
package mount

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	skyframe "github.com/skyframe/skyframe"
	"github.com/skyframe/skyframe/guide"
)

// DefaultTimeout is the time allowed for a response.
const DefaultTimeout = 5 * time.Second

// ErrClosed is returned for requests on a closed client.
var ErrClosed = errors.New("mount client closed")

// Response is the basic status of a response from the daemon.
type Response struct {
	ID      int64  `json:"id"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Info describes the mount, as returned for the hello request.
type Info struct {
	Name     string  `json:"name"`
	Version  string  `json:"version"`
	MaxSpeed float64 `json:"max_speed"` // Multiple of sidereal.
}

func (i Info) String() string {
	return fmt.Sprintf("%s %s, max speed %gx", i.Name, i.Version, i.MaxSpeed)
}

// Request is a request to the daemon. Exactly one operation is set.
type Request struct {
	ID       int64            `json:"id"`
	Hello    int              `json:"hello,omitempty"` // 1
	Slew     *SlewRequest     `json:"slew,omitempty"`
	Guide    *GuideRequest    `json:"guide,omitempty"`
	Tracking *TrackingRequest `json:"tracking,omitempty"`
}

// SlewRequest moves a single axis.
type SlewRequest struct {
	Axis  string  `json:"axis"` // "primary" or "secondary"
	Speed float64 `json:"speed"`
}

// GuideRequest sets the guide correction of both axes.
type GuideRequest struct {
	Primary   float64 `json:"primary"`
	Secondary float64 `json:"secondary"`
}

// TrackingRequest turns sidereal tracking on or off.
type TrackingRequest struct {
	On bool `json:"on"`
}

type helloResponse struct {
	Response
	Mount Info `json:"mount"`
}

// Opts has options for a client.
type Opts struct {
	// Timeout for a single request, default DefaultTimeout. A deadline of
	// the request context that is earlier takes precedence.
	Timeout time.Duration

	// If not empty, the JSON-encoded requests and responses are written to
	// this directory.
	TraceDir string

	// Working directory for Start. This directory is not removed on Close.
	// If empty, a temporary directory is created.
	WorkDir string

	Logger *slog.Logger
}

// Client is a connection to a mount daemon.
type Client struct {
	opts    Opts
	info    Info
	tempDir string             // Created for a started daemon. Removed on close.
	cancel  context.CancelFunc // Stops a started daemon.

	mutex  sync.Mutex // Serializes requests.
	conn   net.Conn
	r      *bufio.Reader
	lastID int64
	closed bool
}

// Check that Client implements interface guide.Mount.
var _ guide.Mount = (*Client)(nil)

func xopts(opts *Opts) Opts {
	var o Opts
	if opts != nil {
		o = *opts
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o
}

// Dial connects to the daemon listening on socketPath and says hello.
func Dial(ctx context.Context, socketPath string, opts *Opts) (client *Client, rerr error) {
	c := &Client{opts: xopts(opts)}

	defer func() {
		if rerr != nil {
			c.Close()
		}
	}()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("opening mount socket: %w", err)
	}
	c.attach(conn)

	if err := c.hello(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Start starts the daemon executable with the socket name as its only
// argument, in the working directory, and connects to it. Always call Close,
// to stop the daemon and clean up any temporary directory.
func Start(ctx context.Context, executable string, opts *Opts) (client *Client, rerr error) {
	executable, err := filepath.Abs(executable)
	if err != nil {
		return nil, fmt.Errorf("absolute path for %q: %w", executable, err)
	}

	c := &Client{opts: xopts(opts)}

	// Make sure we cleanup on failure.
	defer func() {
		if rerr != nil {
			c.Close()
		}
	}()

	if c.opts.WorkDir == "" {
		dir, err := skyframe.TempDir("skyframe-mount")
		if err != nil {
			return nil, fmt.Errorf("making temp dir: %w", err)
		}
		c.opts.WorkDir = dir
		c.tempDir = dir
	}

	pctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	cmd := exec.CommandContext(pctx, executable, "mount.sock")
	cmd.Dir = c.opts.WorkDir
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting mount daemon: %w", err)
	}
	go cmd.Wait()

	sockPath := filepath.Join(c.opts.WorkDir, "mount.sock")
	for i := 0; ; i++ {
		conn, err := net.Dial("unix", sockPath)
		if err == nil {
			c.attach(conn)
			break
		}
		if !errors.Is(err, syscall.ENOENT) && !errors.Is(err, syscall.ECONNREFUSED) {
			return nil, fmt.Errorf("opening mount socket: %w", err)
		}
		if i == 1000 {
			return nil, fmt.Errorf("no socket from mount daemon")
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}

	if err := c.hello(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) attach(conn net.Conn) {
	c.conn = conn
	c.r = bufio.NewReader(conn)
}

func (c *Client) hello(ctx context.Context) error {
	var resp helloResponse
	if err := c.do(ctx, &Request{Hello: 1}, &resp); err != nil {
		return fmt.Errorf("hello to mount: %w", err)
	}
	c.info = resp.Mount
	c.opts.Logger.Info("connected to mount", "mount", c.info.String())
	return nil
}

// Info returns the mount description from the daemon.
func (c *Client) Info() Info {
	return c.info
}

// Slew implements guide.Mount.
func (c *Client) Slew(ctx context.Context, axis guide.Axis, speed float64) error {
	if axis != guide.Primary && axis != guide.Secondary {
		return fmt.Errorf("slew: unknown %v", axis)
	}
	var resp Response
	if err := c.do(ctx, &Request{Slew: &SlewRequest{Axis: axis.String(), Speed: speed}}, &resp); err != nil {
		return fmt.Errorf("slew %s: %w", axis, err)
	}
	return nil
}

// Guide implements guide.Mount.
func (c *Client) Guide(ctx context.Context, primary, secondary float64) error {
	var resp Response
	if err := c.do(ctx, &Request{Guide: &GuideRequest{Primary: primary, Secondary: secondary}}, &resp); err != nil {
		return fmt.Errorf("guide: %w", err)
	}
	return nil
}

// SetTracking implements guide.Mount.
func (c *Client) SetTracking(ctx context.Context, on bool) error {
	var resp Response
	if err := c.do(ctx, &Request{Tracking: &TrackingRequest{On: on}}, &resp); err != nil {
		return fmt.Errorf("set tracking: %w", err)
	}
	return nil
}

type responser interface {
	response() Response
}

func (r Response) response() Response {
	return r
}

// Do a single request/response transaction.
func (c *Client) do(ctx context.Context, req *Request, resp responser) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed || c.conn == nil {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.lastID++
	req.ID = c.lastID

	deadline := time.Now().Add(c.opts.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetDeadline(deadline)

	if err := json.NewEncoder(c.conn).Encode(req); err != nil {
		return fmt.Errorf("writing json to mount: %w", err)
	}
	c.writeTrace(fmt.Sprintf("mount-%d-request.json", req.ID), req)

	line, err := c.r.ReadBytes('\n')
	if err != nil {
		return fmt.Errorf("reading json from mount: %w", err)
	}
	if err := json.Unmarshal(line, resp); err != nil {
		return fmt.Errorf("parsing json from mount: %w", err)
	}
	c.writeTrace(fmt.Sprintf("mount-%d-response.json", req.ID), resp)

	r := resp.response()
	if r.ID != req.ID {
		return fmt.Errorf("response for request %d, expected %d", r.ID, req.ID)
	}
	if !r.Success {
		return fmt.Errorf("mount: %s", r.Error)
	}
	return nil
}

func (c *Client) writeTrace(name string, data any) {
	if c.opts.TraceDir == "" {
		return
	}

	filename := filepath.Join(c.opts.TraceDir, name)
	f, err := os.Create(filename)
	if err != nil {
		c.opts.Logger.Warn("trace, creating file", "file", filename, "err", err)
		return
	}
	defer f.Close()

	if err := json.NewEncoder(f).Encode(data); err != nil {
		c.opts.Logger.Warn("trace, writing data", "err", err)
	}
}

// Close disconnects and stops a daemon started with Start.
func (c *Client) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.closed = true
	if c.cancel != nil {
		c.cancel()
	}
	if c.conn != nil {
		c.conn.Close()
	}
	if c.tempDir != "" {
		os.RemoveAll(c.tempDir)
	}
	return nil
}
