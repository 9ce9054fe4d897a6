package driver

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"avatarcam/internal/logging"
	"avatarcam/pkg/models"
)

// PixelFormat32BGRA is the CoreVideo four-character code 'BGRA'
const PixelFormat32BGRA uint32 = 'B'<<24 | 'G'<<16 | 'R'<<8 | 'A'

// DefaultPoolSize is how many pixel buffers may be in flight to the host
const DefaultPoolSize = 3

// PixelBuffer is a reference-counted frame buffer owned by a MacAdapter's pool.
// It goes back to the pool when the last reference is released.
type PixelBuffer struct {
	Data        []byte
	Width       int
	Height      int
	BytesPerRow int
	PixelFormat uint32

	refs atomic.Int32
	pool *bufferPool
}

// Retain adds a reference
func (b *PixelBuffer) Retain() {
	b.refs.Add(1)
}

// Release drops a reference and recycles the buffer at zero
func (b *PixelBuffer) Release() {
	switch n := b.refs.Add(-1); {
	case n == 0:
		b.pool.put(b)
	case n < 0:
		panic("driver: pixel buffer released too many times")
	}
}

// SampleBuffer is what the adapter hands to the host stream queue
type SampleBuffer struct {
	Buffer        *PixelBuffer
	Sequence      uint64    // increments by one per enqueued sample
	HostTime      time.Time // when the sample was produced
	Timestamp     int64     // producer timestamp, opaque
	Discontinuity bool      // frames were lost since the previous sample
}

// MacHost is the CoreMediaIO side of the stream. Enqueue takes over the
// sample's buffer reference and must Release it once the client is done.
type MacHost interface {
	Enqueue(sample SampleBuffer) error
}

// MacHostFunc adapts a function to MacHost
type MacHostFunc func(sample SampleBuffer) error

// Enqueue calls f(sample)
func (f MacHostFunc) Enqueue(sample SampleBuffer) error {
	return f(sample)
}

// MacConfig configures a MacAdapter
type MacConfig struct {
	Width    int
	Height   int
	Format   models.PixelFormat
	PoolSize int
	Logger   *logrus.Entry
	Recorder Recorder
}

// MacAdapter feeds a CoreMediaIO DAL stream. Every delivered frame is copied
// into a pooled pixel buffer and enqueued to the host with a sequence number;
// when the host holds every buffer the frame is dropped instead of blocking
// the pump.
type MacAdapter struct {
	core Core
	host MacHost
	cfg  MacConfig
	pool *bufferPool
	log  *logrus.Entry
	rec  Recorder

	mu            sync.Mutex
	running       bool
	sequence      uint64
	discontinuity bool
}

// NewMacAdapter binds core to host. Only BGRA producers are accepted.
func NewMacAdapter(core Core, host MacHost, cfg MacConfig) (*MacAdapter, error) {
	if err := checkGeometry(cfg.Width, cfg.Height); err != nil {
		return nil, err
	}
	if err := checkFormat(KindCoreMediaIO, cfg.Format, models.PixelFormatBGRA); err != nil {
		return nil, err
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}

	a := &MacAdapter{
		core: core,
		host: host,
		cfg:  cfg,
		pool: newBufferPool(cfg.PoolSize, cfg.Width, cfg.Height),
		log:  cfg.Logger,
		rec:  cfg.Recorder,
	}
	if a.log == nil {
		a.log = logging.Discard()
	}
	if a.rec == nil {
		a.rec = nopRecorder{}
	}
	return a, nil
}

// Name returns the driver kind
func (a *MacAdapter) Name() string {
	return KindCoreMediaIO
}

// Start attaches the adapter as the core's sink and starts the core
func (a *MacAdapter) Start() error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = true
	a.discontinuity = true
	a.mu.Unlock()

	a.core.SetSink(a)
	a.core.Start()
	a.log.Info("CoreMediaIO stream started")
	return nil
}

// Stop stops the core; no frame reaches the host after it returns
func (a *MacAdapter) Stop() error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	a.core.Stop()
	a.core.SetSink(nil)
	a.log.Info("CoreMediaIO stream stopped")
	return nil
}

// OnFrame implements pump.Sink
func (a *MacAdapter) OnFrame(frame models.Frame) {
	if frame.Width != a.cfg.Width || frame.Height != a.cfg.Height {
		a.drop("geometry")
		return
	}

	buf := a.pool.get()
	if buf == nil {
		a.drop("pool_exhausted")
		return
	}
	copy(buf.Data, frame.Data)

	a.mu.Lock()
	a.sequence++
	sample := SampleBuffer{
		Buffer:        buf,
		Sequence:      a.sequence,
		HostTime:      time.Now(),
		Timestamp:     frame.Timestamp,
		Discontinuity: a.discontinuity,
	}
	a.discontinuity = false
	a.mu.Unlock()

	if err := a.host.Enqueue(sample); err != nil {
		buf.Release()
		a.drop("host_rejected")
		a.log.WithError(err).Debug("Host rejected sample")
		return
	}
	a.rec.RecordDriverFrame(KindCoreMediaIO)
}

func (a *MacAdapter) drop(reason string) {
	a.mu.Lock()
	a.discontinuity = true
	a.mu.Unlock()
	a.rec.RecordDriverDrop(KindCoreMediaIO, reason)
}

// Sequence returns the last sequence number handed to the host
func (a *MacAdapter) Sequence() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sequence
}

// Available returns how many pooled buffers are free
func (a *MacAdapter) Available() int {
	return len(a.pool.free)
}

// bufferPool hands out a fixed set of pixel buffers
type bufferPool struct {
	free chan *PixelBuffer
}

func newBufferPool(size, width, height int) *bufferPool {
	p := &bufferPool{free: make(chan *PixelBuffer, size)}
	for i := 0; i < size; i++ {
		p.free <- &PixelBuffer{
			Data:        make([]byte, width*height*models.BytesPerPixel),
			Width:       width,
			Height:      height,
			BytesPerRow: width * models.BytesPerPixel,
			PixelFormat: PixelFormat32BGRA,
			pool:        p,
		}
	}
	return p
}

// get returns a buffer holding one reference, or nil when all are in use
func (p *bufferPool) get() *PixelBuffer {
	select {
	case b := <-p.free:
		b.refs.Store(1)
		return b
	default:
		return nil
	}
}

func (p *bufferPool) put(b *PixelBuffer) {
	select {
	case p.free <- b:
	default:
		panic(errors.New("driver: pixel buffer returned to a full pool"))
	}
}
