// Package sink implements recording sinks writing through an afero.Fs.
//
// Stream writes all frames of a recording into a single CBOR record stream,
// Sequence writes one image file per frame. Both leave a YAML sidecar
// describing the recording next to it on Finalize.
package sink

import (
	"fmt"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/skyframe/skyframe/frame"
	"github.com/skyframe/skyframe/recording"
)

// Check that the sinks implement recording.Sink.
var (
	_ recording.Sink = (*Stream)(nil)
	_ recording.Sink = (*Sequence)(nil)
)

// Metadata is written as YAML sidecar on Finalize.
type Metadata struct {
	Kind   string    `yaml:"kind"`
	Frames uint64    `yaml:"frames"`
	Format string    `yaml:"format,omitempty"`
	Width  int       `yaml:"width,omitempty"`
	Height int       `yaml:"height,omitempty"`
	First  time.Time `yaml:"first,omitempty"`
	Last   time.Time `yaml:"last,omitempty"`
}

func (m *Metadata) update(v frame.View) {
	if m.Frames == 0 {
		m.First = v.Frame.Timestamp
	}
	m.Frames++
	m.Last = v.Frame.Timestamp
	m.Format = v.Frame.Format.String()
	m.Width = v.Width()
	m.Height = v.Height()
}

// SidecarPath returns the path of the metadata file for a recording at path.
func SidecarPath(path string) string {
	return path + ".yaml"
}

func writeSidecar(fs afero.Fs, path string, m Metadata) error {
	buf, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal metadata: %v", err)
	}
	if err := afero.WriteFile(fs, SidecarPath(path), buf, 0o644); err != nil {
		return fmt.Errorf("writing metadata: %w", err)
	}
	return nil
}

// ReadMetadata reads the sidecar of the recording at path.
func ReadMetadata(fs afero.Fs, path string) (Metadata, error) {
	var m Metadata
	buf, err := afero.ReadFile(fs, SidecarPath(path))
	if err != nil {
		return m, err
	}
	if err := yaml.Unmarshal(buf, &m); err != nil {
		return m, fmt.Errorf("parsing metadata: %v", err)
	}
	return m, nil
}
