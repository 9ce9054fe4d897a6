package shm

import (
	"encoding/binary"
	"os"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
)

// WriterConfig describes the region a producer publishes
type WriterConfig struct {
	Path      string
	Width     int
	Height    int
	Sequenced bool
}

// Writer is the producer side of the region. Only one writer per region is
// supported; the protocol has no writer-writer coordination.
type Writer struct {
	cfg    WriterConfig
	mapper *Mapper
	seq    *uint32
}

// NewWriter creates a writer; call Open before writing frames
func NewWriter(cfg WriterConfig) *Writer {
	if cfg.Path == "" {
		cfg.Path = DefaultRegionPath()
	}
	return &Writer{
		cfg:    cfg,
		mapper: NewMapper(cfg.Path, RegionSize(cfg.Width, cfg.Height, cfg.Sequenced), ReadWrite),
	}
}

// Open creates or resizes the region and writes the constant header fields
func (w *Writer) Open() error {
	if w.cfg.Width <= 0 || w.cfg.Height <= 0 {
		return errors.Wrapf(ErrDimensionMismatch, "cannot publish %dx%d frames", w.cfg.Width, w.cfg.Height)
	}
	if err := w.mapper.Connect(); err != nil {
		return err
	}

	region := w.mapper.Bytes()
	if err := EncodeHeader(region, NewHeader(w.cfg.Width, w.cfg.Height, 0)); err != nil {
		w.mapper.Disconnect()
		return err
	}

	if w.cfg.Sequenced {
		off := HeaderSize + PayloadSize(w.cfg.Width, w.cfg.Height)
		w.seq = (*uint32)(unsafe.Pointer(&region[off]))
		// a previous writer died mid-frame
		if s := atomic.LoadUint32(w.seq); s&1 == 1 {
			atomic.StoreUint32(w.seq, s+1)
		}
	}
	return nil
}

// WriteFrame publishes one frame: timestamp first, then the payload.
// pixels must be exactly width*height*4 bytes.
func (w *Writer) WriteFrame(pixels []byte, timestamp int64) error {
	if !w.mapper.Connected() {
		return ErrNotConnected
	}
	want := PayloadSize(w.cfg.Width, w.cfg.Height)
	if len(pixels) != want {
		return errors.Wrapf(ErrDimensionMismatch, "frame is %d bytes, region holds %d", len(pixels), want)
	}

	region := w.mapper.Bytes()

	// odd while the frame is being written
	if w.seq != nil {
		atomic.AddUint32(w.seq, 1)
	}

	binary.LittleEndian.PutUint64(region[timestampOffset:HeaderSize], uint64(timestamp))
	copy(region[HeaderSize:HeaderSize+want], pixels)

	if w.seq != nil {
		atomic.AddUint32(w.seq, 1)
	}
	return nil
}

// WriteHeader overwrites the header verbatim. Tools use it to simulate a
// producer that is starting up or publishing a different resolution.
func (w *Writer) WriteHeader(h Header) error {
	if !w.mapper.Connected() {
		return ErrNotConnected
	}
	return EncodeHeader(w.mapper.Bytes(), h)
}

// Sequence returns the current trailer value, or 0 for unsequenced regions
func (w *Writer) Sequence() uint32 {
	if w.seq == nil || !w.mapper.Connected() {
		return 0
	}
	return atomic.LoadUint32(w.seq)
}

// Path returns the region path
func (w *Writer) Path() string {
	return w.cfg.Path
}

// Close unmaps the region and leaves the file in place for readers
func (w *Writer) Close() error {
	w.seq = nil
	return w.mapper.Disconnect()
}

// Remove closes the writer and deletes the region
func (w *Writer) Remove() error {
	if err := w.Close(); err != nil {
		return err
	}
	if err := os.Remove(w.cfg.Path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove %s", w.cfg.Path)
	}
	return nil
}
