package driver

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"avatarcam/internal/metrics"
	"avatarcam/internal/pump"
	"avatarcam/internal/shm"
	"avatarcam/pkg/models"
)

var (
	_ Core    = (*pump.Pump)(nil)
	_ Adapter = (*MacAdapter)(nil)
	_ Adapter = (*WindowsAdapter)(nil)
)

// fakeCore records calls and lets the test push frames through the sink
type fakeCore struct {
	mu      sync.Mutex
	sink    pump.Sink
	running bool
	starts  int
	stops   int
}

func (c *fakeCore) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = true
	c.starts++
}

func (c *fakeCore) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = false
	c.stops++
}

func (c *fakeCore) SetSink(sink pump.Sink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink = sink
}

func (c *fakeCore) push(frame models.Frame) {
	c.mu.Lock()
	sink := c.sink
	c.mu.Unlock()
	if sink != nil {
		sink.OnFrame(frame)
	}
}

func testFrame(width, height int, ts int64) models.Frame {
	data := make([]byte, width*height*4)
	for i := range data {
		data[i] = byte(i)
	}
	return models.Frame{Data: data, Width: width, Height: height, Format: models.PixelFormatBGRA, Timestamp: ts}
}

func TestValidKind(t *testing.T) {
	assert.True(t, ValidKind(KindNone))
	assert.True(t, ValidKind(KindCoreMediaIO))
	assert.True(t, ValidKind(KindDirectShow))
	assert.False(t, ValidKind("v4l2"))
}

func TestMacAdapterRejectsRGBA(t *testing.T) {
	_, err := NewMacAdapter(&fakeCore{}, MacHostFunc(func(SampleBuffer) error { return nil }),
		MacConfig{Width: 2, Height: 2, Format: models.PixelFormatRGBA})
	assert.True(t, errors.Is(err, ErrFormatMismatch))

	_, err = NewMacAdapter(&fakeCore{}, nil, MacConfig{Width: 0, Height: 2, Format: models.PixelFormatBGRA})
	assert.True(t, errors.Is(err, ErrInvalidArg))
}

func TestMacAdapterLifecycle(t *testing.T) {
	core := &fakeCore{}
	var samples []SampleBuffer
	host := MacHostFunc(func(s SampleBuffer) error {
		samples = append(samples, s)
		return nil
	})

	a, err := NewMacAdapter(core, host, MacConfig{Width: 2, Height: 2, Format: models.PixelFormatBGRA, PoolSize: 2})
	require.NoError(t, err)
	assert.Equal(t, KindCoreMediaIO, a.Name())

	require.NoError(t, a.Start())
	require.NoError(t, a.Start())
	assert.Equal(t, 1, core.starts)

	frame := testFrame(2, 2, 99)
	core.push(frame)

	require.Len(t, samples, 1)
	s := samples[0]
	assert.Equal(t, uint64(1), s.Sequence)
	assert.True(t, s.Discontinuity, "first sample after start")
	assert.Equal(t, int64(99), s.Timestamp)
	assert.Equal(t, frame.Data, s.Buffer.Data)
	assert.Equal(t, PixelFormat32BGRA, s.Buffer.PixelFormat)
	assert.Equal(t, 8, s.Buffer.BytesPerRow)
	assert.Equal(t, 1, a.Available())

	s.Buffer.Release()
	assert.Equal(t, 2, a.Available())

	require.NoError(t, a.Stop())
	require.NoError(t, a.Stop())
	assert.Equal(t, 1, core.stops)
	assert.Nil(t, core.sink)

	core.push(frame)
	assert.Len(t, samples, 1)
}

func TestMacAdapterDropsWhenPoolExhausted(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	core := &fakeCore{}
	var held []SampleBuffer
	host := MacHostFunc(func(s SampleBuffer) error {
		held = append(held, s)
		return nil
	})

	a, err := NewMacAdapter(core, host, MacConfig{Width: 2, Height: 2, Format: models.PixelFormatBGRA, PoolSize: 2, Recorder: m})
	require.NoError(t, err)
	require.NoError(t, a.Start())
	defer a.Stop()

	for i := 0; i < 4; i++ {
		core.push(testFrame(2, 2, int64(i)))
	}

	require.Len(t, held, 2)
	assert.Zero(t, a.Available())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.DriverDropped.WithLabelValues(KindCoreMediaIO, "pool_exhausted")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.DriverFrames.WithLabelValues(KindCoreMediaIO)))

	// the host returns a buffer; the next sample flags the gap
	held[0].Buffer.Release()
	core.push(testFrame(2, 2, 10))

	require.Len(t, held, 3)
	assert.Equal(t, uint64(3), held[2].Sequence)
	assert.True(t, held[2].Discontinuity)
	assert.False(t, held[1].Discontinuity)
}

func TestMacAdapterRetainedBufferStaysOut(t *testing.T) {
	core := &fakeCore{}
	var last SampleBuffer
	a, err := NewMacAdapter(core, MacHostFunc(func(s SampleBuffer) error {
		last = s
		return nil
	}), MacConfig{Width: 1, Height: 1, Format: models.PixelFormatBGRA, PoolSize: 1})
	require.NoError(t, err)
	require.NoError(t, a.Start())
	defer a.Stop()

	core.push(testFrame(1, 1, 1))
	last.Buffer.Retain()
	last.Buffer.Release()
	assert.Zero(t, a.Available())

	last.Buffer.Release()
	assert.Equal(t, 1, a.Available())
	assert.Panics(t, func() { last.Buffer.Release() })
}

func TestMacAdapterHostRejects(t *testing.T) {
	core := &fakeCore{}
	a, err := NewMacAdapter(core, MacHostFunc(func(SampleBuffer) error {
		return errors.New("queue full")
	}), MacConfig{Width: 1, Height: 1, Format: models.PixelFormatBGRA, PoolSize: 1})
	require.NoError(t, err)
	require.NoError(t, a.Start())
	defer a.Stop()

	core.push(testFrame(1, 1, 1))
	assert.Equal(t, 1, a.Available(), "rejected buffer goes back to the pool")
}

func TestMacAdapterIgnoresWrongGeometry(t *testing.T) {
	core := &fakeCore{}
	calls := 0
	a, err := NewMacAdapter(core, MacHostFunc(func(SampleBuffer) error {
		calls++
		return nil
	}), MacConfig{Width: 2, Height: 2, Format: models.PixelFormatBGRA})
	require.NoError(t, err)
	require.NoError(t, a.Start())
	defer a.Stop()

	core.push(testFrame(4, 4, 1))
	assert.Zero(t, calls)
	assert.Zero(t, a.Sequence())
}

// memAllocator grants whatever it is asked for, capped at max
type memAllocator struct {
	max int
	err error
}

func (m memAllocator) SetProperties(req AllocatorProperties) (AllocatorProperties, error) {
	if m.err != nil {
		return AllocatorProperties{}, m.err
	}
	if m.max > 0 && req.BufferSize > m.max {
		req.BufferSize = m.max
	}
	return req, nil
}

func newWindows(t *testing.T, core Core, flip bool) *WindowsAdapter {
	t.Helper()
	a, err := NewWindowsAdapter(core, WindowsConfig{Width: 2, Height: 3, Format: models.PixelFormatBGRA, Flip: flip})
	require.NoError(t, err)
	return a
}

func TestWindowsAdapterRejectsRGBA(t *testing.T) {
	_, err := NewWindowsAdapter(&fakeCore{}, WindowsConfig{Width: 2, Height: 2, Format: models.PixelFormatRGBA})
	assert.True(t, errors.Is(err, ErrFormatMismatch))
}

func TestWindowsFillBufferBeforeFirstFrame(t *testing.T) {
	a := newWindows(t, &fakeCore{}, false)

	sample := NewMemSample(24)
	for i := range sample.Data {
		sample.Data[i] = 0xFF
	}

	require.NoError(t, a.FillBuffer(sample))
	assert.Equal(t, make([]byte, 24), sample.Data, "no signal is black")
	assert.Equal(t, 24, sample.Length)
	assert.Equal(t, int64(0), sample.Start)
	assert.Equal(t, ReferenceTimePerFrame, sample.Stop)
}

func TestWindowsFillBufferTimestamps(t *testing.T) {
	core := &fakeCore{}
	a := newWindows(t, core, false)
	require.NoError(t, a.Start())
	defer a.Stop()

	frame := testFrame(2, 3, 5)
	core.push(frame)

	sample := NewMemSample(24)
	for i := int64(0); i < 3; i++ {
		require.NoError(t, a.FillBuffer(sample))
		assert.Equal(t, i*333333, sample.Start)
		assert.Equal(t, (i+1)*333333, sample.Stop)
	}
	assert.Equal(t, frame.Data, sample.Data)
	assert.Equal(t, int64(3), a.FrameNumber())
}

func TestWindowsFillBufferClampsToSample(t *testing.T) {
	core := &fakeCore{}
	a := newWindows(t, core, false)
	require.NoError(t, a.Start())
	defer a.Stop()

	frame := testFrame(2, 3, 5)
	core.push(frame)

	small := NewMemSample(10)
	require.NoError(t, a.FillBuffer(small))
	assert.Equal(t, 10, small.Length)
	assert.Equal(t, frame.Data[:10], small.Data)
}

func TestWindowsFlip(t *testing.T) {
	core := &fakeCore{}
	a := newWindows(t, core, true)
	require.NoError(t, a.Start())
	defer a.Stop()

	frame := testFrame(2, 3, 1)
	core.push(frame)

	sample := NewMemSample(24)
	require.NoError(t, a.FillBuffer(sample))

	stride := 8
	assert.Equal(t, frame.Data[2*stride:3*stride], sample.Data[0:stride])
	assert.Equal(t, frame.Data[1*stride:2*stride], sample.Data[stride:2*stride])
	assert.Equal(t, frame.Data[0:stride], sample.Data[2*stride:3*stride])

	mt, err := a.GetMediaType(0)
	require.NoError(t, err)
	assert.Equal(t, 3, mt.Height, "bottom-up")
}

func TestWindowsMediaTypes(t *testing.T) {
	a := newWindows(t, &fakeCore{}, false)

	mt, err := a.GetMediaType(0)
	require.NoError(t, err)
	assert.Equal(t, MediaTypeVideo, mt.Major)
	assert.Equal(t, MediaSubtypeRGB32, mt.Subtype)
	assert.Equal(t, 32, mt.BitCount)
	assert.Equal(t, 24, mt.SampleSize)
	assert.Equal(t, -3, mt.Height, "top-down")
	assert.Equal(t, ReferenceTimePerFrame, mt.AvgTimePerFrame)
	require.NoError(t, a.CheckMediaType(mt))

	_, err = a.GetMediaType(-1)
	assert.True(t, errors.Is(err, ErrInvalidArg))
	_, err = a.GetMediaType(1)
	assert.True(t, errors.Is(err, ErrNoMoreItems))

	yuy2 := mt
	yuy2.Subtype = "yuy2"
	assert.True(t, errors.Is(a.CheckMediaType(yuy2), ErrInvalidArg))

	audio := mt
	audio.Major = "audio"
	assert.True(t, errors.Is(a.CheckMediaType(audio), ErrInvalidArg))
}

func TestWindowsDecideBufferSize(t *testing.T) {
	a := newWindows(t, &fakeCore{}, false)

	props, err := a.DecideBufferSize(memAllocator{})
	require.NoError(t, err)
	assert.Equal(t, 1, props.Buffers)
	assert.Equal(t, 24, props.BufferSize)

	_, err = a.DecideBufferSize(memAllocator{max: 8})
	assert.True(t, errors.Is(err, ErrInvalidArg))

	_, err = a.DecideBufferSize(memAllocator{err: errors.New("allocator busy")})
	assert.Error(t, err)
}

func TestWindowsReleaseStopsCore(t *testing.T) {
	core := &fakeCore{}
	a := newWindows(t, core, false)
	require.NoError(t, a.Start())

	assert.Equal(t, int32(2), a.AddRef())
	assert.Equal(t, int32(1), a.Release())
	assert.Zero(t, core.stops)

	assert.Equal(t, int32(0), a.Release())
	assert.Equal(t, 1, core.stops)
	assert.Nil(t, core.sink)
}

func TestPullLoop(t *testing.T) {
	core := &fakeCore{}
	a := newWindows(t, core, false)
	require.NoError(t, a.Start())
	defer a.Stop()
	core.push(testFrame(2, 3, 1))

	ctx, cancel := context.WithCancel(context.Background())
	var (
		mu     sync.Mutex
		pulled int
		last   []byte
	)
	done := make(chan error, 1)
	go func() {
		done <- PullLoop(ctx, a, time.Millisecond, func(s *MemSample) {
			mu.Lock()
			defer mu.Unlock()
			pulled++
			last = bytes.Clone(s.Data)
		})
	}()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return pulled >= 3
	}, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, testFrame(2, 3, 1).Data, last)
}

// staticSource always yields a frame of sevens
type staticSource struct{}

func (staticSource) ReadFrame(dest []byte) (shm.FrameInfo, error) {
	for i := range dest {
		dest[i] = 7
	}
	return shm.FrameInfo{Header: shm.NewHeader(2, 3, 1), N: len(dest)}, nil
}

func TestAdaptersDriveRealPump(t *testing.T) {
	p := pump.New(staticSource{}, pump.Config{Interval: time.Millisecond, Width: 2, Height: 3})
	a := newWindows(t, p, false)
	require.NoError(t, a.Start())
	assert.True(t, p.Running())

	assert.Eventually(t, func() bool {
		sample := NewMemSample(24)
		_ = a.FillBuffer(sample)
		return bytes.Equal(sample.Data, bytes.Repeat([]byte{7}, 24))
	}, time.Second, time.Millisecond)

	assert.Equal(t, int32(0), a.Release())
	assert.False(t, p.Running())
}
