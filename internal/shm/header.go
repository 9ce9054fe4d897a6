// Package shm implements the shared-memory frame mailbox: the region layout,
// the mapping lifecycle and the read/write protocol used by the avatar producer
// and every camera driver that consumes its frames.
//
// Region layout (little-endian):
//
//	offset  size  field
//	0       4     magic (int32, 0x0CA7CA7)
//	4       4     width (int32)
//	8       4     height (int32)
//	12      8     timestamp (int64, producer-owned units)
//	20      W*H*4 payload
//	20+W*H*4 4    sequence (uint32, sequenced regions only)
//
// Without the sequence trailer there is no synchronization between the writer
// and readers: a reader may copy a payload that mixes two producer writes
// (torn frame). Sequenced regions close that gap, see Writer.WriteFrame and
// Reader.ReadFrame.
package shm

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

const (
	// Magic is the format sentinel written at offset 0
	Magic int32 = 0x0CA7CA7

	// HeaderSize is the fixed size of the region header in bytes
	HeaderSize = 20

	// SequenceSize is the size of the optional sequence trailer
	SequenceSize = 4

	// BytesPerPixel is fixed at one 32-bit sample per pixel
	BytesPerPixel = 4
)

// Header is the fixed-size structure at the start of the region
type Header struct {
	Magic     int32
	Width     int32
	Height    int32
	Timestamp int64
}

// NewHeader returns a header carrying the format sentinel
func NewHeader(width, height int, timestamp int64) Header {
	return Header{
		Magic:     Magic,
		Width:     int32(width),
		Height:    int32(height),
		Timestamp: timestamp,
	}
}

// DecodeHeader reinterprets the first HeaderSize bytes of b.
// A short buffer is indistinguishable from a garbled one and yields ErrHeaderInvalid.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrHeaderInvalid
	}

	h := Header{
		Magic:     int32(binary.LittleEndian.Uint32(b[0:4])),
		Width:     int32(binary.LittleEndian.Uint32(b[4:8])),
		Height:    int32(binary.LittleEndian.Uint32(b[8:12])),
		Timestamp: int64(binary.LittleEndian.Uint64(b[12:20])),
	}
	if h.Magic != Magic {
		return Header{}, ErrHeaderInvalid
	}

	return h, nil
}

// EncodeHeader writes h into the first HeaderSize bytes of dst
func EncodeHeader(dst []byte, h Header) error {
	if len(dst) < HeaderSize {
		return errors.Wrapf(ErrHeaderInvalid, "destination is %d bytes, need %d", len(dst), HeaderSize)
	}

	binary.LittleEndian.PutUint32(dst[0:4], uint32(h.Magic))
	binary.LittleEndian.PutUint32(dst[4:8], uint32(h.Width))
	binary.LittleEndian.PutUint32(dst[8:12], uint32(h.Height))
	binary.LittleEndian.PutUint64(dst[12:20], uint64(h.Timestamp))
	return nil
}

// Encode returns the wire form of h
func (h Header) Encode() [HeaderSize]byte {
	var b [HeaderSize]byte
	_ = EncodeHeader(b[:], h)
	return b
}

// Validate checks the header against the configured frame size
func (h Header) Validate(width, height int) error {
	if h.Width <= 0 || h.Height <= 0 {
		return errors.Wrapf(ErrDimensionMismatch, "region declares %dx%d", h.Width, h.Height)
	}
	if int(h.Width) != width || int(h.Height) != height {
		return errors.Wrapf(ErrDimensionMismatch, "region declares %dx%d, expected %dx%d",
			h.Width, h.Height, width, height)
	}
	return nil
}

// PayloadSize returns the pixel payload size for a frame
func PayloadSize(width, height int) int {
	return width * height * BytesPerPixel
}

// RegionSize returns the total size of a region holding one frame
func RegionSize(width, height int, sequenced bool) int {
	size := HeaderSize + PayloadSize(width, height)
	if sequenced {
		size += SequenceSize
	}
	return size
}

// timestampOffset is where the writer refreshes the per-frame timestamp
const timestampOffset = 12
