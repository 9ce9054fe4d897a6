package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"avatarcam/config"
	"avatarcam/internal/pump"
	"avatarcam/internal/shm"
	"avatarcam/internal/streammanager"
	"avatarcam/pkg/models"
)

func TestFillPatternChannelOrder(t *testing.T) {
	const w, h = 64, 2
	bgra := make([]byte, w*h*4)
	rgba := make([]byte, w*h*4)
	fillPattern(bgra, w, h, 0, models.PixelFormatBGRA)
	fillPattern(rgba, w, h, 0, models.PixelFormatRGBA)

	// pixel (10,1) sits outside the bar on frame 0
	i := (1*w + 10) * 4
	assert.Equal(t, rgba[i+0], bgra[i+2])
	assert.Equal(t, rgba[i+1], bgra[i+1])
	assert.Equal(t, rgba[i+2], bgra[i+0])
	assert.Equal(t, byte(10), rgba[i+0])
	assert.Equal(t, byte(1), rgba[i+1])

	for a := 3; a < len(bgra); a += 4 {
		require.Equal(t, byte(0xFF), bgra[a])
	}
}

func TestFillPatternMoves(t *testing.T) {
	const w, h = 32, 4
	a := make([]byte, w*h*4)
	b := make([]byte, w*h*4)
	fillPattern(a, w, h, 0, models.PixelFormatBGRA)
	fillPattern(b, w, h, 1, models.PixelFormatBGRA)
	assert.NotEqual(t, a, b)
}

type countingWriter struct {
	frames atomic.Int32
	lastTS atomic.Int64
	failAt int32
}

func (w *countingWriter) WriteFrame(pixels []byte, ts int64) error {
	n := w.frames.Add(1)
	w.lastTS.Store(ts)
	if w.failAt > 0 && n >= w.failAt {
		return errors.New("boom")
	}
	return nil
}

func TestProduceFrames(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	w := &countingWriter{}
	start := time.Now().UnixMilli()
	n, err := produceFrames(ctx, w, 8, 8, 200, models.PixelFormatBGRA)
	require.NoError(t, err)
	assert.Equal(t, int(w.frames.Load()), n)
	assert.GreaterOrEqual(t, n, 2)
	assert.GreaterOrEqual(t, w.lastTS.Load(), start, "timestamps are Unix ms")
}

func TestProduceFramesStopsOnError(t *testing.T) {
	w := &countingWriter{failAt: 3}
	n, err := produceFrames(context.Background(), w, 4, 4, 1000, models.PixelFormatBGRA)
	assert.Error(t, err)
	assert.Equal(t, 2, n)
}

func TestProducedFramesReachReader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "avatar.raw")
	const width, height = 16, 8

	w := shm.NewWriter(shm.WriterConfig{Path: path, Width: width, Height: height, Sequenced: true})
	require.NoError(t, w.Open())
	defer w.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := produceFrames(ctx, w, width, height, 500, models.PixelFormatBGRA)
	require.NoError(t, err)

	r := shm.NewReader(shm.ReaderConfig{Path: path, Width: width, Height: height, Sequenced: true})
	defer r.Close()

	dest := make([]byte, width*height*4)
	info, err := r.ReadFrame(dest)
	require.NoError(t, err)
	assert.Equal(t, len(dest), info.N)
	assert.Greater(t, info.Header.Timestamp, int64(0))
	assert.Equal(t, byte(0xFF), dest[3])
}

func inspectConfig(path string) *config.Config {
	return &config.Config{RegionPath: path, Width: 16, Height: 8}
}

func TestInspectRegion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "avatar.raw")
	w := shm.NewWriter(shm.WriterConfig{Path: path, Width: 16, Height: 8, Sequenced: true})
	require.NoError(t, w.Open())
	require.NoError(t, w.WriteFrame(make([]byte, 16*8*4), 1700000000000))
	require.NoError(t, w.Close())

	report, err := inspectRegion(inspectConfig(path))
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.True(t, report.Matches)
	assert.Equal(t, int32(16), report.Width)
	assert.Equal(t, int64(1700000000000), report.Timestamp)
	assert.True(t, report.Sequenced)
	assert.Equal(t, uint32(2), report.Sequence)
	assert.Equal(t, "16x8", report.Configured)

	var out bytes.Buffer
	printReport(&out, report)
	assert.Contains(t, out.String(), "Header:      ok")
	assert.Contains(t, out.String(), "Sequence:    2 (idle)")

	cfg := inspectConfig(path)
	cfg.Width = 32
	report, err = inspectRegion(cfg)
	require.NoError(t, err)
	assert.False(t, report.Matches)
}

func TestInspectRegionInvalid(t *testing.T) {
	dir := t.TempDir()

	_, err := inspectRegion(inspectConfig(filepath.Join(dir, "missing.raw")))
	assert.True(t, errors.Is(err, shm.ErrNotFound))

	short := filepath.Join(dir, "short.raw")
	require.NoError(t, os.WriteFile(short, []byte{1, 2, 3}, 0o644))
	report, err := inspectRegion(inspectConfig(short))
	require.NoError(t, err)
	assert.False(t, report.Valid)

	zero := filepath.Join(dir, "zero.raw")
	require.NoError(t, os.WriteFile(zero, make([]byte, 64), 0o644))
	report, err = inspectRegion(inspectConfig(zero))
	require.NoError(t, err)
	assert.False(t, report.Valid)

	var out bytes.Buffer
	printReport(&out, report)
	assert.Contains(t, out.String(), "invalid")
}

type constSource struct{}

func (constSource) ReadFrame(dest []byte) (shm.FrameInfo, error) {
	for i := range dest {
		dest[i] = 0x7F
	}
	return shm.FrameInfo{Header: shm.NewHeader(1, 1, 42), N: len(dest)}, nil
}

func TestTeeCoreKeepsHub(t *testing.T) {
	p := pump.New(constSource{}, pump.Config{Interval: time.Millisecond, Width: 1, Height: 1})
	hub := streammanager.New(nil)
	core := teeCore{Pump: p, hub: hub}

	var adapterFrames atomic.Int32
	core.SetSink(pump.SinkFunc(func(models.Frame) { adapterFrames.Add(1) }))

	core.Start()
	require.Eventually(t, func() bool { return adapterFrames.Load() > 0 }, time.Second, time.Millisecond)
	core.Stop()

	latest, ok := hub.Latest()
	require.True(t, ok, "hub is fed alongside the adapter")
	assert.Equal(t, int64(42), latest.Timestamp)

	// detaching the adapter leaves the hub attached
	core.SetSink(nil)
	seen := adapterFrames.Load()
	published := hub.Stats().FramesPublished

	core.Start()
	require.Eventually(t, func() bool { return hub.Stats().FramesPublished > published }, time.Second, time.Millisecond)
	core.Stop()
	assert.Equal(t, seen, adapterFrames.Load())
}
