// Package frame implements captured image buffers, cropped views on them and
// the reference counted buffer pool rotated by the capture loop.
package frame

import (
	"image"
	"time"
)

// Frame is a captured image. The pixel data is owned by the frame; sources
// may change its size and format through Reformat.
type Frame struct {
	Pix    []byte
	Width  int
	Height int
	Stride int // Bytes per row.
	Format PixelFormat

	Timestamp time.Time // When the frame was captured.
	Seq       uint64    // Sequence number assigned by the capture loop.
}

// Reformat sets size and format of the frame, reusing the pixel memory when
// it is large enough.
func (f *Frame) Reformat(width, height int, format PixelFormat) {
	stride := width * format.BytesPerPixel()
	size := stride * height
	if cap(f.Pix) < size {
		f.Pix = make([]byte, size)
	} else {
		f.Pix = f.Pix[:size]
	}
	f.Width = width
	f.Height = height
	f.Stride = stride
	f.Format = format
}

// Matches reports whether the frame already has the given size and format.
func (f *Frame) Matches(width, height int, format PixelFormat) bool {
	return f.Width == width && f.Height == height && f.Format == format && len(f.Pix) == f.Stride*f.Height
}

// RawSize returns the size of the pixel data in bytes.
func (f *Frame) RawSize() int {
	return f.Stride * f.Height
}

// Bounds returns the rectangle covered by the frame, with origin 0,0.
func (f *Frame) Bounds() image.Rectangle {
	return image.Rect(0, 0, f.Width, f.Height)
}

// Value returns the raw single-channel value at x, y. RGB pixels are
// averaged, color filter array data is used as is.
func (f *Frame) Value(x, y int) float64 {
	off := y*f.Stride + x*f.Format.BytesPerPixel()
	switch {
	case f.Format == RGB24:
		p := f.Pix[off : off+3]
		return (float64(p[0]) + float64(p[1]) + float64(p[2])) / 3
	case f.Format.Is16Bit():
		return float64(uint16(f.Pix[off]) | uint16(f.Pix[off+1])<<8)
	default:
		return float64(f.Pix[off])
	}
}

// Intensity returns the value at x, y normalized to [0, 1].
func (f *Frame) Intensity(x, y int) float64 {
	return f.Value(x, y) / f.Format.MaxValue()
}

// View returns a view on the part of the frame within r.
func (f *Frame) View(r image.Rectangle) View {
	return View{Frame: f, Rect: r.Intersect(f.Bounds())}
}

// View is a read-only crop of a frame, as handed to output sinks.
type View struct {
	Frame *Frame
	Rect  image.Rectangle
}

// Width returns the width of the view in pixels.
func (v View) Width() int { return v.Rect.Dx() }

// Height returns the height of the view in pixels.
func (v View) Height() int { return v.Rect.Dy() }

// Row returns the pixel data of row y of the view, with y relative to the top
// of the view. The returned slice shares memory with the frame.
func (v View) Row(y int) []byte {
	bpp := v.Frame.Format.BytesPerPixel()
	off := (v.Rect.Min.Y+y)*v.Frame.Stride + v.Rect.Min.X*bpp
	return v.Frame.Pix[off : off+v.Rect.Dx()*bpp]
}

// Pixels returns the pixel data of the view packed without padding.
func (v View) Pixels() []byte {
	bpp := v.Frame.Format.BytesPerPixel()
	buf := make([]byte, 0, v.Width()*v.Height()*bpp)
	for y := 0; y < v.Height(); y++ {
		buf = append(buf, v.Row(y)...)
	}
	return buf
}

// Image returns the view as an image with origin 0,0.
func (v View) Image() image.Image {
	return imageOf(v.Frame, v.Rect)
}
