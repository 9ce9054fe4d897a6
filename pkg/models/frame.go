package models

import "fmt"

// PixelFormat names the channel order of a 32-bit-per-pixel payload.
// The region does not describe its own format; writer and readers agree on it out-of-band.
type PixelFormat string

const (
	PixelFormatBGRA PixelFormat = "bgra" // B,G,R,A byte order (RGB32 / kCVPixelFormatType_32BGRA)
	PixelFormatRGBA PixelFormat = "rgba" // R,G,B,A byte order
)

// BytesPerPixel is fixed for every supported format
const BytesPerPixel = 4

// ParsePixelFormat validates a configured pixel format name
func ParsePixelFormat(s string) (PixelFormat, error) {
	switch PixelFormat(s) {
	case PixelFormatBGRA, PixelFormatRGBA:
		return PixelFormat(s), nil
	default:
		return "", fmt.Errorf("unsupported pixel format %q", s)
	}
}

// Frame is a single decoded frame handed to a downstream sink
type Frame struct {
	Data      []byte      // Width*Height*4 bytes, owned by the caller of the sink
	Width     int         // Frame width in pixels
	Height    int         // Frame height in pixels
	Format    PixelFormat // Channel order of Data
	Timestamp int64       // Producer timestamp, opaque to consumers
	Seq       uint64      // Consumer-side delivery sequence, starts at 1
}

// Stride returns the number of bytes per row
func (f *Frame) Stride() int {
	return f.Width * BytesPerPixel
}

// Clone returns a deep copy whose Data may be retained
func (f *Frame) Clone() *Frame {
	c := *f
	c.Data = make([]byte, len(f.Data))
	copy(c.Data, f.Data)
	return &c
}

// Resolution renders the frame size as "WxH"
func (f *Frame) Resolution() string {
	return fmt.Sprintf("%dx%d", f.Width, f.Height)
}
