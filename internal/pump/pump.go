// Package pump drives a frame source on a fixed cadence and hands every
// successfully read frame to a sink.
package pump

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"avatarcam/internal/logging"
	"avatarcam/internal/shm"
	"avatarcam/pkg/models"
)

// DefaultInterval paces the pump at 30 frames per second
const DefaultInterval = time.Second / 30

// Source produces the latest frame into a caller-owned buffer.
// *shm.Reader is the production implementation.
type Source interface {
	ReadFrame(dest []byte) (shm.FrameInfo, error)
}

// Sink receives delivered frames. frame.Data is only valid for the duration
// of the call; the pump reuses it on the next cycle.
type Sink interface {
	OnFrame(frame models.Frame)
}

// SinkFunc adapts a function to the Sink interface
type SinkFunc func(frame models.Frame)

// OnFrame calls f(frame)
func (f SinkFunc) OnFrame(frame models.Frame) {
	f(frame)
}

// Recorder receives pump telemetry. *metrics.Metrics implements it.
type Recorder interface {
	SetPumpRunning(running bool)
	SetRegionConnected(connected bool)
	RecordCycle(read time.Duration)
	RecordFrameDelivered(timestamp int64)
	RecordSkip(reason string)
	RecordSinkPanic()
}

// Config configures a pump
type Config struct {
	Interval time.Duration
	Width    int
	Height   int
	Format   models.PixelFormat
}

// Option customizes a pump
type Option func(*Pump)

// WithLogger sets the pump's logger
func WithLogger(log *logrus.Entry) Option {
	return func(p *Pump) {
		if log != nil {
			p.log = log
		}
	}
}

// WithRecorder sets where pump telemetry goes
func WithRecorder(rec Recorder) Option {
	return func(p *Pump) {
		if rec != nil {
			p.rec = rec
		}
	}
}

// Pump polls a Source on a fixed interval. States are Stopped and Running;
// Start and Stop are idempotent and safe for concurrent use.
type Pump struct {
	source Source
	cfg    Config
	log    *logrus.Entry
	rec    Recorder

	mu     sync.Mutex
	state  models.PumpState
	cancel context.CancelFunc
	done   chan struct{}

	// held for the whole sink call so SetSink never races a delivery
	sinkMu sync.Mutex
	sink   Sink

	statsMu    sync.Mutex
	stats      models.PumpStats
	lastReason string

	// owned by the loop goroutine
	buf []byte
	seq uint64
}

// New creates a stopped pump reading from source
func New(source Source, cfg Config, opts ...Option) *Pump {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Format == "" {
		cfg.Format = models.PixelFormatBGRA
	}

	p := &Pump{
		source: source,
		cfg:    cfg,
		log:    logging.Discard(),
		rec:    nopRecorder{},
		state:  models.PumpStateStopped,
		buf:    make([]byte, shm.PayloadSize(cfg.Width, cfg.Height)),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start begins polling. It is a no-op while running.
func (p *Pump) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == models.PumpStateRunning {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	p.state = models.PumpStateRunning

	go p.run(ctx, p.done)

	p.rec.SetPumpRunning(true)
	p.log.WithField("interval", p.cfg.Interval).Info("Frame pump started")
}

// Stop halts polling and waits for the loop to exit. Once Stop returns the
// sink is not called again. Stop must not be called from inside the sink.
func (p *Pump) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != models.PumpStateRunning {
		return
	}

	p.cancel()
	<-p.done

	p.cancel = nil
	p.done = nil
	p.state = models.PumpStateStopped

	p.rec.SetPumpRunning(false)
	p.log.Info("Frame pump stopped")
}

// SetSink replaces the downstream sink; nil detaches it. After SetSink
// returns the previous sink receives no further frames.
func (p *Pump) SetSink(sink Sink) {
	p.sinkMu.Lock()
	defer p.sinkMu.Unlock()
	p.sink = sink
}

// State returns the current pump state
func (p *Pump) State() models.PumpState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Running reports whether the pump is running
func (p *Pump) Running() bool {
	return p.State() == models.PumpStateRunning
}

// Stats returns a snapshot of the pump counters
func (p *Pump) Stats() models.PumpStats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return p.stats
}

// Config returns the pump configuration
func (p *Pump) Config() Config {
	return p.cfg
}

func (p *Pump) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	// a ticker drops ticks the loop could not keep up with
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.cycle()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			p.cycle()
		}
	}
}

func (p *Pump) cycle() {
	start := time.Now()
	info, err := p.source.ReadFrame(p.buf)
	p.rec.RecordCycle(time.Since(start))

	p.observe(info, err)
	if err != nil {
		return
	}

	p.seq++
	frame := models.Frame{
		Data:      p.buf[:info.N],
		Width:     p.cfg.Width,
		Height:    p.cfg.Height,
		Format:    p.cfg.Format,
		Timestamp: info.Header.Timestamp,
		Seq:       p.seq,
	}

	p.deliver(frame)
}

func (p *Pump) deliver(frame models.Frame) {
	p.sinkMu.Lock()
	defer p.sinkMu.Unlock()

	if p.sink == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			p.statsMu.Lock()
			p.stats.SinkPanics++
			p.stats.LastError = fmt.Sprintf("sink panic: %v", r)
			p.statsMu.Unlock()

			p.rec.RecordSinkPanic()
			p.log.WithField("panic", r).Error("Sink panicked, frame discarded")
		}
	}()

	p.sink.OnFrame(frame)

	p.statsMu.Lock()
	p.stats.FramesDelivered++
	p.stats.LastTimestamp = frame.Timestamp
	p.statsMu.Unlock()

	p.rec.RecordFrameDelivered(frame.Timestamp)
}

// observe counts the cycle outcome and logs only on transitions, so a missing
// producer does not flood the log at 30 lines per second.
func (p *Pump) observe(info shm.FrameInfo, err error) {
	reason := shm.Reason(err)

	p.statsMu.Lock()
	p.stats.Cycles++
	switch reason {
	case "not_connected":
		p.stats.NotConnected++
	case "header_invalid":
		p.stats.HeaderInvalid++
	case "dimension_mismatch":
		p.stats.DimensionMismatch++
	case "torn_frame":
		p.stats.TornFrames++
	}
	if err != nil {
		p.stats.LastError = err.Error()
	}
	previous := p.lastReason
	p.lastReason = reason
	p.statsMu.Unlock()

	p.rec.SetRegionConnected(reason != "not_connected")
	if err != nil {
		p.rec.RecordSkip(reason)
	}

	if reason == previous {
		return
	}

	log := p.log.WithField("reason", reason)
	switch reason {
	case "ok":
		p.log.WithField("timestamp", info.Header.Timestamp).Info("Receiving frames")
	case "not_connected":
		log.WithError(err).Info("Waiting for producer")
	case "dimension_mismatch":
		log.WithError(err).Warn("Producer resolution does not match configuration")
	case "torn_frame":
		log.Debug("Frame changed during copy, skipping")
	default:
		log.WithError(err).Warn("Skipping frame")
	}
}

type nopRecorder struct{}

func (nopRecorder) SetPumpRunning(bool)        {}
func (nopRecorder) SetRegionConnected(bool)    {}
func (nopRecorder) RecordCycle(time.Duration)  {}
func (nopRecorder) RecordFrameDelivered(int64) {}
func (nopRecorder) RecordSkip(string)          {}
func (nopRecorder) RecordSinkPanic()           {}

// Tee returns a sink that hands each frame to every non-nil sink in order
func Tee(sinks ...Sink) Sink {
	live := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			live = append(live, s)
		}
	}
	return teeSink(live)
}

type teeSink []Sink

func (t teeSink) OnFrame(frame models.Frame) {
	for _, s := range t {
		s.OnFrame(frame)
	}
}
