package sink

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/spf13/afero"

	"github.com/skyframe/skyframe/frame"
)

const streamMagic = "skyframe-stream"

// StreamHeader is the first record of a stream.
type StreamHeader struct {
	Magic   string `cbor:"magic"`
	Version int    `cbor:"version"`
}

// Record is one frame in a stream.
type Record struct {
	Seq       uint64 `cbor:"seq"`
	Timestamp int64  `cbor:"ts"` // Unix nanoseconds.
	X         int    `cbor:"x"`  // Crop offset in the captured frame.
	Y         int    `cbor:"y"`
	Width     int    `cbor:"w"`
	Height    int    `cbor:"h"`
	Format    string `cbor:"fmt"`
	Pixels    []byte `cbor:"pix"` // Packed rows.
}

// Frame returns the record as a frame.
func (r Record) Frame() (*frame.Frame, error) {
	format, ok := frame.ParsePixelFormat(r.Format)
	if !ok {
		return nil, fmt.Errorf("unknown pixel format %q", r.Format)
	}
	f := &frame.Frame{}
	f.Reformat(r.Width, r.Height, format)
	if len(r.Pixels) != f.RawSize() {
		return nil, fmt.Errorf("record %d has %d bytes of pixels, expected %d", r.Seq, len(r.Pixels), f.RawSize())
	}
	copy(f.Pix, r.Pixels)
	f.Seq = r.Seq
	f.Timestamp = time.Unix(0, r.Timestamp)
	return f, nil
}

// Stream writes frames as CBOR records into a single file.
type Stream struct {
	fs   afero.Fs
	path string
	file afero.File
	bw   *bufio.Writer
	enc  *cbor.Encoder
	meta Metadata
}

// NewStream creates the file at path and writes the stream header.
func NewStream(fs afero.Fs, path string) (stream *Stream, rerr error) {
	file, err := fs.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating stream: %w", err)
	}
	defer func() {
		if rerr != nil {
			file.Close()
		}
	}()

	s := &Stream{fs: fs, path: path, file: file, meta: Metadata{Kind: "stream"}}
	s.bw = bufio.NewWriterSize(file, 1<<20)
	s.enc = cbor.NewEncoder(s.bw)
	if err := s.enc.Encode(StreamHeader{Magic: streamMagic, Version: 1}); err != nil {
		return nil, fmt.Errorf("writing stream header: %w", err)
	}
	return s, nil
}

// Write appends a record for v.
func (s *Stream) Write(v frame.View) error {
	r := Record{
		Seq:       v.Frame.Seq,
		Timestamp: v.Frame.Timestamp.UnixNano(),
		X:         v.Rect.Min.X,
		Y:         v.Rect.Min.Y,
		Width:     v.Width(),
		Height:    v.Height(),
		Format:    v.Frame.Format.String(),
		Pixels:    v.Pixels(),
	}
	if err := s.enc.Encode(r); err != nil {
		return fmt.Errorf("writing record %d: %w", r.Seq, err)
	}
	s.meta.update(v)
	return nil
}

// Finalize flushes and closes the stream and writes the sidecar.
func (s *Stream) Finalize() error {
	err := s.bw.Flush()
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("closing stream: %w", err)
	}
	return writeSidecar(s.fs, s.path, s.meta)
}

// ReadStream decodes a stream written by Stream, calling fn for every record.
func ReadStream(r io.Reader, fn func(Record) error) error {
	dec := cbor.NewDecoder(bufio.NewReader(r))
	var h StreamHeader
	if err := dec.Decode(&h); err != nil {
		return fmt.Errorf("reading stream header: %v", err)
	}
	if h.Magic != streamMagic {
		return fmt.Errorf("not a frame stream, magic %q", h.Magic)
	}
	for {
		var rec Record
		err := dec.Decode(&rec)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading record: %v", err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}
