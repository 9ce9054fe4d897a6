package shm

import (
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"avatarcam/internal/logging"
)

const (
	DefaultMaxRetries         = 3
	DefaultStaleCheckInterval = time.Second
)

// ReaderConfig describes the region a Reader expects
type ReaderConfig struct {
	Path      string
	Width     int
	Height    int
	Sequenced bool

	// MaxRetries bounds the re-reads of a sequenced region before ErrTornFrame
	MaxRetries int
	// StaleCheckInterval is how often the path identity is compared with the mapping
	StaleCheckInterval time.Duration

	Logger *logrus.Entry
}

// FrameInfo describes a successful copy
type FrameInfo struct {
	Header Header
	N      int
}

// Reader pulls the latest frame out of the region, connecting lazily.
// All methods are safe for concurrent use.
type Reader struct {
	cfg    ReaderConfig
	mapper *Mapper
	log    *logrus.Entry

	mu        sync.Mutex
	lastCheck time.Time
	now       func() time.Time
}

// NewReader creates a reader. Nothing is opened until the first read.
func NewReader(cfg ReaderConfig) *Reader {
	if cfg.Path == "" {
		cfg.Path = DefaultRegionPath()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.StaleCheckInterval <= 0 {
		cfg.StaleCheckInterval = DefaultStaleCheckInterval
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Discard()
	}

	return &Reader{
		cfg:    cfg,
		mapper: NewMapper(cfg.Path, RegionSize(cfg.Width, cfg.Height, cfg.Sequenced), ReadOnly),
		log:    log.WithField("region", cfg.Path),
		now:    time.Now,
	}
}

// GetLatestFrame copies the current payload into dest and returns the number
// of bytes written, which is min(len(dest), payload size).
func (r *Reader) GetLatestFrame(dest []byte) (int, error) {
	info, err := r.ReadFrame(dest)
	return info.N, err
}

// ReadFrame is GetLatestFrame that also returns the decoded header
func (r *Reader) ReadFrame(dest []byte) (info FrameInfo, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureConnected(); err != nil {
		return FrameInfo{}, err
	}

	// The producer may truncate the file under us. Touching the lost pages
	// raises SIGBUS, which SetPanicOnFault turns into a recoverable panic.
	defer func() {
		if rec := recover(); rec != nil {
			r.log.WithField("fault", rec).Warn("Memory fault while reading region, disconnecting")
			r.disconnect()
			info = FrameInfo{}
			err = errors.Wrapf(ErrNotConnected, "fault reading %s: %v", r.cfg.Path, rec)
		}
	}()
	defer debug.SetPanicOnFault(debug.SetPanicOnFault(true))

	if !r.cfg.Sequenced {
		return r.copyFrame(dest)
	}
	return r.copySequenced(dest)
}

func (r *Reader) ensureConnected() error {
	if r.mapper.Connected() {
		now := r.now()
		if now.Sub(r.lastCheck) < r.cfg.StaleCheckInterval {
			return nil
		}
		r.lastCheck = now
		if !r.mapper.Stale() {
			return nil
		}
		r.log.Info("Region was replaced, remapping")
		r.disconnect()
	}

	if err := r.mapper.Connect(); err != nil {
		return &connectError{cause: err}
	}
	r.lastCheck = r.now()
	r.log.Info("Connected to shared region")
	return nil
}

func (r *Reader) copyFrame(dest []byte) (FrameInfo, error) {
	region := r.mapper.Bytes()

	h, err := DecodeHeader(region)
	if err != nil {
		return FrameInfo{}, err
	}
	if err := h.Validate(r.cfg.Width, r.cfg.Height); err != nil {
		return FrameInfo{Header: h}, err
	}

	payload := region[HeaderSize : HeaderSize+PayloadSize(r.cfg.Width, r.cfg.Height)]
	n := copy(dest, payload)
	return FrameInfo{Header: h, N: n}, nil
}

func (r *Reader) copySequenced(dest []byte) (FrameInfo, error) {
	seq := r.sequenceWord()

	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		before := atomic.LoadUint32(seq)
		if before&1 == 1 {
			runtime.Gosched()
			continue
		}

		info, err := r.copyFrame(dest)
		if err != nil {
			return info, err
		}
		if atomic.LoadUint32(seq) == before {
			return info, nil
		}
	}

	return FrameInfo{}, errors.Wrapf(ErrTornFrame, "after %d attempts", r.cfg.MaxRetries+1)
}

// sequenceWord points at the trailer. Its offset is a multiple of 4 and the
// mapping is page aligned, so the word is aligned for atomic access.
func (r *Reader) sequenceWord() *uint32 {
	region := r.mapper.Bytes()
	off := HeaderSize + PayloadSize(r.cfg.Width, r.cfg.Height)
	return (*uint32)(unsafe.Pointer(&region[off]))
}

func (r *Reader) disconnect() {
	if err := r.mapper.Disconnect(); err != nil {
		r.log.WithError(err).Warn("Failed to release region")
	}
}

// Connected reports whether the reader currently holds a mapping
func (r *Reader) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mapper.Connected()
}

// Config returns the effective configuration
func (r *Reader) Config() ReaderConfig {
	return r.cfg
}

// Close releases the mapping. The reader reconnects on the next read.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mapper.Disconnect()
}

// connectError reports a failed connect as ErrNotConnected while keeping the
// mapper's ErrNotFound/ErrMapFailed reachable through errors.Is.
type connectError struct {
	cause error
}

func (e *connectError) Error() string {
	return ErrNotConnected.Error() + ": " + e.cause.Error()
}

func (e *connectError) Is(target error) bool {
	return target == ErrNotConnected
}

func (e *connectError) Unwrap() error {
	return e.cause
}
