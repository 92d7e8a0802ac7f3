package sink

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/spf13/afero"

	"github.com/skyframe/skyframe/frame"
)

// SequenceOpts has options for a new image sequence.
type SequenceOpts struct {
	Prefix string // File name prefix, default "frame".
	Format string // "png" (default) or "tiff".
}

// Sequence writes every frame as an image file into a directory.
type Sequence struct {
	fs     afero.Fs
	dir    string
	opts   SequenceOpts
	format imaging.Format
	meta   Metadata
}

// NewSequence creates dir if needed. Opts may be nil.
func NewSequence(fs afero.Fs, dir string, opts *SequenceOpts) (*Sequence, error) {
	xopts := SequenceOpts{}
	if opts != nil {
		xopts = *opts
	}
	if xopts.Prefix == "" {
		xopts.Prefix = "frame"
	}
	if xopts.Format == "" {
		xopts.Format = "png"
	}
	format, err := imaging.FormatFromExtension(xopts.Format)
	if err != nil || (format != imaging.PNG && format != imaging.TIFF) {
		return nil, fmt.Errorf("unsupported sequence format %q, use png or tiff", xopts.Format)
	}
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating sequence directory: %w", err)
	}
	return &Sequence{fs: fs, dir: dir, opts: xopts, format: format, meta: Metadata{Kind: "sequence"}}, nil
}

// Path returns the file name used for the frame with index n.
func (s *Sequence) Path(n uint64) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s%06d.%s", s.opts.Prefix, n, strings.ToLower(s.opts.Format)))
}

// Write encodes v into the next file.
func (s *Sequence) Write(v frame.View) (rerr error) {
	path := s.Path(s.meta.Frames)
	f, err := s.fs.Create(path)
	if err != nil {
		return fmt.Errorf("creating image file: %w", err)
	}
	defer func() {
		if err := f.Close(); err != nil && rerr == nil {
			rerr = fmt.Errorf("closing image file: %w", err)
		}
	}()
	if err := imaging.Encode(f, v.Image(), s.format); err != nil {
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	s.meta.update(v)
	return nil
}

// Finalize writes the sidecar for the directory.
func (s *Sequence) Finalize() error {
	return writeSidecar(s.fs, filepath.Clean(s.dir), s.meta)
}
