package frame

// PixelFormat is the layout of the pixels in a frame.
type PixelFormat int

// Pixel formats produced by frame sources. 16 bit formats are little endian.
const (
	Mono8 PixelFormat = iota
	Mono16
	RGB24
	BayerRGGB8
	BayerGRBG8
	BayerGBRG8
	BayerBGGR8
	BayerRGGB16
	BayerGRBG16
	BayerGBRG16
	BayerBGGR16
)

var formatNames = map[PixelFormat]string{
	Mono8:       "mono8",
	Mono16:      "mono16",
	RGB24:       "rgb24",
	BayerRGGB8:  "bayer_rggb8",
	BayerGRBG8:  "bayer_grbg8",
	BayerGBRG8:  "bayer_gbrg8",
	BayerBGGR8:  "bayer_bggr8",
	BayerRGGB16: "bayer_rggb16",
	BayerGRBG16: "bayer_grbg16",
	BayerGBRG16: "bayer_gbrg16",
	BayerBGGR16: "bayer_bggr16",
}

// String returns the lower case name of the format, e.g. "bayer_rggb8".
func (p PixelFormat) String() string {
	if s, ok := formatNames[p]; ok {
		return s
	}
	return "unknown"
}

// ParsePixelFormat returns the format with the name as returned by String.
func ParsePixelFormat(s string) (PixelFormat, bool) {
	for f, name := range formatNames {
		if name == s {
			return f, true
		}
	}
	return 0, false
}

// BytesPerPixel returns the number of bytes a single pixel occupies.
func (p PixelFormat) BytesPerPixel() int {
	switch p {
	case RGB24:
		return 3
	case Mono16, BayerRGGB16, BayerGRBG16, BayerGBRG16, BayerBGGR16:
		return 2
	default:
		return 1
	}
}

// IsCFA reports whether the format is raw color filter array data, where the
// color of a pixel depends on the parity of its coordinates.
func (p PixelFormat) IsCFA() bool {
	switch p {
	case BayerRGGB8, BayerGRBG8, BayerGBRG8, BayerBGGR8,
		BayerRGGB16, BayerGRBG16, BayerGBRG16, BayerBGGR16:
		return true
	}
	return false
}

// Is16Bit reports whether a sample of the format is 16 bits wide.
func (p PixelFormat) Is16Bit() bool {
	return p != RGB24 && p.BytesPerPixel() == 2
}

// MaxValue returns the full-range value of a single sample.
func (p PixelFormat) MaxValue() float64 {
	if p.Is16Bit() {
		return 65535
	}
	return 255
}
