package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestPumpMetrics(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.SetPumpRunning(true)
	m.RecordCycle(2 * time.Millisecond)
	m.RecordCycle(3 * time.Millisecond)
	m.RecordFrameDelivered(1700000000000)
	m.RecordSkip("not_connected")
	m.RecordSkip("not_connected")
	m.RecordSkip("torn_frame")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.PumpRunning))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.PumpCycles))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FramesDelivered))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.FramesSkipped.WithLabelValues("not_connected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FramesSkipped.WithLabelValues("torn_frame")))
	assert.Equal(t, 1.7e12, testutil.ToFloat64(m.FrameTimestamp))

	m.SetPumpRunning(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.PumpRunning))
}

func TestSnapshotGauge(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordSnapshot(2048)
	m.RecordSnapshot(4096)
	m.RecordSnapshotDeleted()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.SnapshotsCreated))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SnapshotsStored))
}

func TestHTTPStatusClass(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordHTTPRequest("GET", "/api/v1/status", 200, 0.01)
	m.RecordHTTPRequest("POST", "/api/v1/pump/start", 401, 0.01)
	m.RecordHTTPRequest("GET", "/api/v1/frame.png", 503, 0.01)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET", "/api/v1/status", "2xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("POST", "/api/v1/pump/start", "4xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET", "/api/v1/frame.png", "5xx")))
	assert.Equal(t, "unknown", statusClass(100))
}

func TestSeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		New(prometheus.NewRegistry())
		New(prometheus.NewRegistry())
	})
}
