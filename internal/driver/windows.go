package driver

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"avatarcam/internal/logging"
	"avatarcam/pkg/models"
)

// ReferenceTimePerFrame is one 30fps frame in 100ns units
const ReferenceTimePerFrame int64 = 333333

// Media type identifiers
const (
	MediaTypeVideo      = "video"
	MediaSubtypeRGB32   = "rgb32"
	FormatVideoInfo     = "videoinfo"
	CompressionRGB      = "BI_RGB"
	bitsPerPixelRGB32   = 32
	defaultBufferCount  = 1
	defaultBufferAlign  = 1
	defaultBufferPrefix = 0
)

// MediaType describes the single format the output pin offers
type MediaType struct {
	Major               string
	Subtype             string
	FormatType          string
	Width               int
	Height              int // positive means bottom-up rows
	BitCount            int
	Compression         string
	SampleSize          int
	AvgTimePerFrame     int64
	TemporalCompression bool
}

// MediaSample is the host-owned buffer FillBuffer writes into
type MediaSample interface {
	Bytes() []byte
	SetTime(start, stop int64)
	SetActualDataLength(n int)
}

// AllocatorProperties mirrors ALLOCATOR_PROPERTIES
type AllocatorProperties struct {
	Buffers    int
	BufferSize int
	Align      int
	Prefix     int
}

// Allocator negotiates sample buffers with the downstream filter
type Allocator interface {
	SetProperties(request AllocatorProperties) (AllocatorProperties, error)
}

// WindowsConfig configures a WindowsAdapter
type WindowsConfig struct {
	Width    int
	Height   int
	Format   models.PixelFormat
	Flip     bool // producer rows are top-down; RGB32 expects bottom-up
	Logger   *logrus.Entry
	Recorder Recorder
}

// WindowsAdapter backs a DirectShow source stream. The pump pushes frames in
// and the streaming thread pulls them out through FillBuffer, so it keeps the
// latest frame instead of queueing. Lifetime follows COM reference counting:
// the adapter starts with one reference and stops the core when the last one
// is released.
type WindowsAdapter struct {
	core Core
	cfg  WindowsConfig
	log  *logrus.Entry
	rec  Recorder

	refs atomic.Int32

	mu          sync.Mutex
	running     bool
	latest      []byte
	hasFrame    bool
	timestamp   int64
	frameNumber int64
}

// NewWindowsAdapter binds core to a DirectShow stream. RGB32 is B,G,R,X in
// memory, so only BGRA producers are accepted.
func NewWindowsAdapter(core Core, cfg WindowsConfig) (*WindowsAdapter, error) {
	if err := checkGeometry(cfg.Width, cfg.Height); err != nil {
		return nil, err
	}
	if err := checkFormat(KindDirectShow, cfg.Format, models.PixelFormatBGRA); err != nil {
		return nil, err
	}

	a := &WindowsAdapter{
		core:   core,
		cfg:    cfg,
		log:    cfg.Logger,
		rec:    cfg.Recorder,
		latest: make([]byte, cfg.Width*cfg.Height*models.BytesPerPixel),
	}
	if a.log == nil {
		a.log = logging.Discard()
	}
	if a.rec == nil {
		a.rec = nopRecorder{}
	}
	a.refs.Store(1)
	return a, nil
}

// Name returns the driver kind
func (a *WindowsAdapter) Name() string {
	return KindDirectShow
}

// Start corresponds to OnThreadCreate: attach and start the core
func (a *WindowsAdapter) Start() error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = true
	a.mu.Unlock()

	a.core.SetSink(a)
	a.core.Start()
	a.log.Info("DirectShow stream started")
	return nil
}

// Stop corresponds to OnThreadDestroy
func (a *WindowsAdapter) Stop() error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	a.core.Stop()
	a.core.SetSink(nil)
	a.log.Info("DirectShow stream stopped")
	return nil
}

// AddRef adds a COM reference and returns the new count
func (a *WindowsAdapter) AddRef() int32 {
	return a.refs.Add(1)
}

// Release drops a COM reference; the last release stops the core
func (a *WindowsAdapter) Release() int32 {
	n := a.refs.Add(-1)
	if n == 0 {
		if err := a.Stop(); err != nil {
			a.log.WithError(err).Warn("Failed to stop stream on final release")
		}
	}
	return n
}

// OnFrame implements pump.Sink
func (a *WindowsAdapter) OnFrame(frame models.Frame) {
	if frame.Width != a.cfg.Width || frame.Height != a.cfg.Height {
		a.rec.RecordDriverDrop(KindDirectShow, "geometry")
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cfg.Flip {
		flipRows(a.latest, frame.Data, frame.Width*models.BytesPerPixel)
	} else {
		copy(a.latest, frame.Data)
	}
	a.hasFrame = true
	a.timestamp = frame.Timestamp
}

// FillBuffer copies the latest frame into the sample and stamps it. Before
// the first frame arrives the sample is black, so the host shows no-signal
// rather than failing the graph.
func (a *WindowsAdapter) FillBuffer(sample MediaSample) error {
	dst := sample.Bytes()

	a.mu.Lock()
	var n int
	if a.hasFrame {
		n = copy(dst, a.latest)
	} else {
		n = min(len(dst), len(a.latest))
		clear(dst[:n])
	}
	hasFrame := a.hasFrame

	start := a.frameNumber * ReferenceTimePerFrame
	a.frameNumber++
	a.mu.Unlock()

	sample.SetTime(start, start+ReferenceTimePerFrame)
	sample.SetActualDataLength(n)

	if hasFrame {
		a.rec.RecordDriverFrame(KindDirectShow)
	} else {
		a.rec.RecordDriverDrop(KindDirectShow, "no_signal")
	}
	return nil
}

// GetMediaType enumerates the pin's formats; only position 0 exists
func (a *WindowsAdapter) GetMediaType(position int) (MediaType, error) {
	if position < 0 {
		return MediaType{}, ErrInvalidArg
	}
	if position > 0 {
		return MediaType{}, ErrNoMoreItems
	}

	height := a.cfg.Height
	if !a.cfg.Flip {
		// rows stay top-down; a negative height says so
		height = -height
	}

	return MediaType{
		Major:           MediaTypeVideo,
		Subtype:         MediaSubtypeRGB32,
		FormatType:      FormatVideoInfo,
		Width:           a.cfg.Width,
		Height:          height,
		BitCount:        bitsPerPixelRGB32,
		Compression:     CompressionRGB,
		SampleSize:      a.sampleSize(),
		AvgTimePerFrame: ReferenceTimePerFrame,
	}, nil
}

// CheckMediaType accepts uncompressed RGB32 video only
func (a *WindowsAdapter) CheckMediaType(mt MediaType) error {
	if mt.Major != MediaTypeVideo {
		return errors.Wrapf(ErrInvalidArg, "major type %q", mt.Major)
	}
	if mt.Subtype != MediaSubtypeRGB32 {
		return errors.Wrapf(ErrInvalidArg, "subtype %q", mt.Subtype)
	}
	return nil
}

// DecideBufferSize asks the allocator for one frame-sized buffer
func (a *WindowsAdapter) DecideBufferSize(alloc Allocator) (AllocatorProperties, error) {
	actual, err := alloc.SetProperties(AllocatorProperties{
		Buffers:    defaultBufferCount,
		BufferSize: a.sampleSize(),
		Align:      defaultBufferAlign,
		Prefix:     defaultBufferPrefix,
	})
	if err != nil {
		return AllocatorProperties{}, errors.Wrap(err, "set allocator properties")
	}
	if actual.BufferSize < a.sampleSize() {
		return actual, errors.Wrapf(ErrInvalidArg, "allocator granted %d bytes, need %d", actual.BufferSize, a.sampleSize())
	}
	return actual, nil
}

// FrameNumber returns how many samples have been filled
func (a *WindowsAdapter) FrameNumber() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.frameNumber
}

func (a *WindowsAdapter) sampleSize() int {
	return a.cfg.Width * a.cfg.Height * models.BytesPerPixel
}

// flipRows copies src into dst with the row order reversed
func flipRows(dst, src []byte, stride int) {
	rows := min(len(dst), len(src)) / stride
	for r := 0; r < rows; r++ {
		s := src[r*stride : (r+1)*stride]
		d := dst[(rows-1-r)*stride : (rows-r)*stride]
		copy(d, s)
	}
}

// MemSample is an in-memory MediaSample
type MemSample struct {
	Data   []byte
	Start  int64
	Stop   int64
	Length int
}

// NewMemSample allocates a sample of size bytes
func NewMemSample(size int) *MemSample {
	return &MemSample{Data: make([]byte, size)}
}

func (s *MemSample) Bytes() []byte             { return s.Data }
func (s *MemSample) SetTime(start, stop int64) { s.Start, s.Stop = start, stop }
func (s *MemSample) SetActualDataLength(n int) { s.Length = n }

// PullLoop plays the DirectShow streaming thread when no graph is present:
// it calls FillBuffer every interval and hands the sample to deliver until
// ctx is done.
func PullLoop(ctx context.Context, a *WindowsAdapter, interval time.Duration, deliver func(*MemSample)) error {
	if interval <= 0 {
		interval = time.Duration(ReferenceTimePerFrame) * 100 * time.Nanosecond
	}

	sample := NewMemSample(a.sampleSize())
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := a.FillBuffer(sample); err != nil {
				return errors.Wrap(err, "fill buffer")
			}
			if deliver != nil {
				deliver(sample)
			}
		}
	}
}
