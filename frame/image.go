package frame

import (
	"image"

	"github.com/disintegration/imaging"
)

// Image returns the frame as an image. For Mono8 and 8 bit color filter array
// data the image shares the pixel memory of the frame.
func (f *Frame) Image() image.Image {
	return imageOf(f, f.Bounds())
}

func imageOf(f *Frame, r image.Rectangle) image.Image {
	r = r.Intersect(f.Bounds())
	w, h := r.Dx(), r.Dy()
	bpp := f.Format.BytesPerPixel()

	switch {
	case bpp == 1:
		off := r.Min.Y*f.Stride + r.Min.X
		end := off
		if h > 0 {
			end = off + (h-1)*f.Stride + w
		}
		return &image.Gray{
			Pix:    f.Pix[off:end:end],
			Stride: f.Stride,
			Rect:   image.Rect(0, 0, w, h),
		}

	case f.Format == RGB24:
		img := image.NewNRGBA(image.Rect(0, 0, w, h))
		for y := 0; y < h; y++ {
			src := f.Pix[(r.Min.Y+y)*f.Stride+r.Min.X*3:]
			dst := img.Pix[y*img.Stride:]
			for x := 0; x < w; x++ {
				dst[x*4+0] = src[x*3+0]
				dst[x*4+1] = src[x*3+1]
				dst[x*4+2] = src[x*3+2]
				dst[x*4+3] = 0xff
			}
		}
		return img

	default:
		// image.Gray16 is big endian.
		img := image.NewGray16(image.Rect(0, 0, w, h))
		for y := 0; y < h; y++ {
			src := f.Pix[(r.Min.Y+y)*f.Stride+r.Min.X*2:]
			dst := img.Pix[y*img.Stride:]
			for x := 0; x < w; x++ {
				dst[x*2+0] = src[x*2+1]
				dst[x*2+1] = src[x*2+0]
			}
		}
		return img
	}
}

// FromImage fills the frame from a decoded image. Gray images become Mono8,
// 16 bit gray images Mono16, anything else RGB24.
func (f *Frame) FromImage(img image.Image) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	switch src := img.(type) {
	case *image.Gray:
		f.Reformat(w, h, Mono8)
		for y := 0; y < h; y++ {
			copy(f.Pix[y*f.Stride:(y+1)*f.Stride], src.Pix[src.PixOffset(b.Min.X, b.Min.Y+y):])
		}

	case *image.Gray16:
		f.Reformat(w, h, Mono16)
		for y := 0; y < h; y++ {
			row := src.Pix[src.PixOffset(b.Min.X, b.Min.Y+y):]
			dst := f.Pix[y*f.Stride:]
			for x := 0; x < w; x++ {
				dst[x*2+0] = row[x*2+1]
				dst[x*2+1] = row[x*2+0]
			}
		}

	default:
		// Clone normalizes any image type to NRGBA with origin 0,0.
		nrgba := imaging.Clone(img)
		f.Reformat(w, h, RGB24)
		for y := 0; y < h; y++ {
			row := nrgba.Pix[y*nrgba.Stride:]
			dst := f.Pix[y*f.Stride:]
			for x := 0; x < w; x++ {
				dst[x*3+0] = row[x*4+0]
				dst[x*3+1] = row[x*4+1]
				dst[x*3+2] = row[x*4+2]
			}
		}
	}
}
