// Package preview streams the capture preview to websocket clients.
//
// Frames taken from the capture mailbox are downsized, annotated with the
// tracked area and position, and sent as binary JPEG messages. Status events
// are sent as JSON text messages. Clients cannot control the session.
package preview

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gorilla/websocket"

	"github.com/skyframe/skyframe/capture"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
	pingEvery = (pongWait * 9) / 10
)

// Opts has options for a preview server.
type Opts struct {
	MaxWidth  int // Default 800.
	MaxHeight int // Default 600.
	Quality   int // JPEG quality, default 80.
	Logger    *slog.Logger
}

// Server renders preview frames and broadcasts them with status messages.
type Server struct {
	mailbox  *capture.Mailbox
	opts     Opts
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]*sync.Mutex // Per connection write lock.
	latest  []byte                          // Last JPEG.
	status  map[string]Status               // Last status per type.

	frames atomic.Uint64
}

// New returns a server for the frames of mailbox. Opts may be nil.
func New(mailbox *capture.Mailbox, opts *Opts) *Server {
	xopts := Opts{}
	if opts != nil {
		xopts = *opts
	}
	if xopts.MaxWidth <= 0 {
		xopts.MaxWidth = 800
	}
	if xopts.MaxHeight <= 0 {
		xopts.MaxHeight = 600
	}
	if xopts.Quality <= 0 || xopts.Quality > 100 {
		xopts.Quality = 80
	}
	if xopts.Logger == nil {
		xopts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{
		mailbox: mailbox,
		opts:    xopts,
		log:     xopts.Logger.With("component", "preview"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: map[*websocket.Conn]*sync.Mutex{},
		status:  map[string]Status{},
	}
}

// Handler returns the HTTP handler serving /ws, /frame.jpg, /status and
// /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/frame.jpg", s.handleFrame)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}

// ListenAndServe serves Handler on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	hs := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		hs.Shutdown(sctx)
	}()
	s.log.Info("preview server listening", "addr", addr)
	err := hs.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Run takes frames from the mailbox and broadcasts them until ctx is
// cancelled or capturing ends.
func (s *Server) Run(ctx context.Context) error {
	for {
		p, err := s.mailbox.Receive(ctx)
		if err != nil {
			if errors.Is(err, capture.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		img := s.render(p)
		s.mailbox.Done(p)

		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: s.opts.Quality}); err != nil {
			s.log.Error("encoding preview", "err", err)
			continue
		}
		s.frames.Add(1)

		s.mu.Lock()
		s.latest = buf.Bytes()
		s.mu.Unlock()
		s.broadcast(websocket.BinaryMessage, buf.Bytes())
	}
}

// Frames returns the number of frames rendered.
func (s *Server) Frames() uint64 {
	return s.frames.Load()
}

var (
	areaColor   = color.NRGBA{R: 0x40, G: 0xe0, B: 0x40, A: 0xff}
	targetColor = color.NRGBA{R: 0xff, G: 0x40, B: 0x40, A: 0xff}
)

// render returns a downsized copy of the frame with the tracking overlay. It
// does not reference the frame buffer afterwards.
func (s *Server) render(p capture.Preview) *image.NRGBA {
	f := &p.Buffer.Frame
	src := f.Image()
	var img *image.NRGBA
	if f.Width > s.opts.MaxWidth || f.Height > s.opts.MaxHeight {
		img = imaging.Fit(src, s.opts.MaxWidth, s.opts.MaxHeight, imaging.Box)
	} else {
		img = imaging.Clone(src)
	}
	if f.Width == 0 {
		return img
	}
	scale := float64(img.Bounds().Dx()) / float64(f.Width)

	if !p.Area.Empty() {
		r := image.Rect(
			int(float64(p.Area.Min.X)*scale), int(float64(p.Area.Min.Y)*scale),
			int(float64(p.Area.Max.X)*scale), int(float64(p.Area.Max.Y)*scale),
		)
		outline(img, r, areaColor)
	}
	if p.HasTarget {
		x, y := int(p.Target.X*scale), int(p.Target.Y*scale)
		for d := -5; d <= 5; d++ {
			img.SetNRGBA(x+d, y, targetColor)
			img.SetNRGBA(x, y+d, targetColor)
		}
	}
	return img
}

func outline(img *image.NRGBA, r image.Rectangle, c color.NRGBA) {
	for x := r.Min.X; x < r.Max.X; x++ {
		img.SetNRGBA(x, r.Min.Y, c)
		img.SetNRGBA(x, r.Max.Y-1, c)
	}
	for y := r.Min.Y; y < r.Max.Y; y++ {
		img.SetNRGBA(r.Min.X, y, c)
		img.SetNRGBA(r.Max.X-1, y, c)
	}
}

// Publish sends a capture or recording event to all clients as JSON status.
func (s *Server) Publish(ev any) {
	st, ok := StatusOf(ev)
	if !ok {
		return
	}
	payload, err := json.Marshal(st)
	if err != nil {
		s.log.Error("encoding status", "err", err)
		return
	}
	s.mu.Lock()
	s.status[st.Type] = st
	s.mu.Unlock()
	s.broadcast(websocket.TextMessage, payload)
}

func (s *Server) broadcast(messageType int, payload []byte) {
	var stale []*websocket.Conn
	s.mu.Lock()
	for conn, writeMu := range s.clients {
		if err := writeMessage(conn, writeMu, messageType, payload); err != nil {
			stale = append(stale, conn)
		}
	}
	s.mu.Unlock()
	for _, conn := range stale {
		s.removeClient(conn)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(1 << 16)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	writeMu := &sync.Mutex{}
	s.mu.Lock()
	s.clients[conn] = writeMu
	s.mu.Unlock()
	s.log.Debug("preview client connected", "remote", r.RemoteAddr)

	go func() {
		done := make(chan struct{})
		go func() {
			ticker := time.NewTicker(pingEvery)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					if err := writeMessage(conn, writeMu, websocket.PingMessage, nil); err != nil {
						conn.Close()
						return
					}
				}
			}
		}()
		defer close(done)
		defer s.removeClient(conn)
		// Incoming messages are ignored, reading handles pongs and close.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) handleFrame(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	buf := s.latest
	s.mu.Unlock()
	if buf == nil {
		http.Error(w, "no frame yet", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Write(buf)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	payload := map[string]any{
		"clients": len(s.clients),
		"frames":  s.frames.Load(),
	}
	for k, v := range s.status {
		payload[k] = v
	}
	s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(payload)
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.clients, conn)
	s.mu.Unlock()
	conn.Close()
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func writeMessage(conn *websocket.Conn, writeMu *sync.Mutex, messageType int, payload []byte) error {
	writeMu.Lock()
	defer writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(messageType, payload)
}
