// Package imaging turns raw 32-bit frames into still images for previews and
// snapshots.
package imaging

import (
	"bytes"
	"image"
	"image/jpeg"
	"image/png"

	"github.com/pkg/errors"

	"avatarcam/pkg/models"
)

// DefaultJPEGQuality is used when no quality is configured
const DefaultJPEGQuality = 80

// ErrBadFrame is returned for frames whose data does not match their size
var ErrBadFrame = errors.New("frame data does not match its dimensions")

// ToNRGBA converts a frame into an image, swapping channels for BGRA input.
// With opaque set every alpha byte is forced to 0xFF; RGB32 producers often
// leave alpha at zero.
func ToNRGBA(frame *models.Frame, opaque bool) (*image.NRGBA, error) {
	want := frame.Width * frame.Height * models.BytesPerPixel
	if frame.Width <= 0 || frame.Height <= 0 || len(frame.Data) < want {
		return nil, errors.Wrapf(ErrBadFrame, "%s with %d bytes", frame.Resolution(), len(frame.Data))
	}

	img := image.NewNRGBA(image.Rect(0, 0, frame.Width, frame.Height))
	src := frame.Data[:want]
	dst := img.Pix

	switch frame.Format {
	case models.PixelFormatBGRA:
		for i := 0; i < want; i += 4 {
			dst[i+0] = src[i+2]
			dst[i+1] = src[i+1]
			dst[i+2] = src[i+0]
			dst[i+3] = src[i+3]
		}
	case models.PixelFormatRGBA:
		copy(dst, src)
	default:
		return nil, errors.Errorf("unsupported pixel format %q", frame.Format)
	}

	if opaque {
		for i := 3; i < want; i += 4 {
			dst[i] = 0xFF
		}
	}
	return img, nil
}

// EncodePNG encodes a frame as PNG, keeping alpha
func EncodePNG(frame *models.Frame) ([]byte, error) {
	img, err := ToNRGBA(frame, false)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, errors.Wrap(err, "encode png")
	}
	return buf.Bytes(), nil
}

// EncodeJPEG encodes a frame as JPEG at the given quality (1-100)
func EncodeJPEG(frame *models.Frame, quality int) ([]byte, error) {
	if quality < 1 || quality > 100 {
		quality = DefaultJPEGQuality
	}

	img, err := ToNRGBA(frame, true)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, errors.Wrap(err, "encode jpeg")
	}
	return buf.Bytes(), nil
}
