package main

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/skyframe/skyframe/sink"
)

func newDumpCmd() *cobra.Command {
	opts := sink.SequenceOpts{}
	cmd := &cobra.Command{
		Use:   "dump stream dir",
		Short: "Write the frames of a recorded stream as image files",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := dump(afero.NewOsFs(), args[0], args[1], &opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d frames to %s\n", n, args[1])
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.Format, "format", "png", "image format, png or tiff")
	cmd.Flags().StringVar(&opts.Prefix, "prefix", "frame", "file name prefix")
	return cmd
}

// dump decodes the stream at path into an image sequence in dir, returning
// the number of frames written.
func dump(fs afero.Fs, path, dir string, opts *sink.SequenceOpts) (uint64, error) {
	f, err := fs.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening stream: %w", err)
	}
	defer f.Close()

	seq, err := sink.NewSequence(fs, dir, opts)
	if err != nil {
		return 0, err
	}
	var n uint64
	err = sink.ReadStream(f, func(r sink.Record) error {
		fr, err := r.Frame()
		if err != nil {
			return err
		}
		if err := seq.Write(fr.View(fr.Bounds())); err != nil {
			return err
		}
		n++
		return nil
	})
	if err != nil {
		return n, fmt.Errorf("dumping %s: %w", path, err)
	}
	if err := seq.Finalize(); err != nil {
		return n, fmt.Errorf("writing metadata: %w", err)
	}
	return n, nil
}
