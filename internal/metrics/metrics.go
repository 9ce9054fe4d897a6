package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Pump metrics
	PumpRunning     prometheus.Gauge
	PumpCycles      prometheus.Counter
	FramesDelivered prometheus.Counter
	FramesSkipped   *prometheus.CounterVec
	SinkPanics      prometheus.Counter
	ReadDuration    prometheus.Histogram

	// Region metrics
	RegionConnected prometheus.Gauge
	FrameTimestamp  prometheus.Gauge

	// Hub metrics
	HubSubscribers  prometheus.Gauge
	FramesPublished prometheus.Counter
	FramesDropped   *prometheus.CounterVec

	// Driver metrics
	DriverFrames  *prometheus.CounterVec
	DriverDropped *prometheus.CounterVec

	// Snapshot metrics
	SnapshotsCreated prometheus.Counter
	SnapshotSize     prometheus.Histogram
	SnapshotsStored  prometheus.Gauge

	// Viewer metrics
	ActiveViewers  prometheus.Gauge
	ViewerSessions prometheus.Counter

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// New creates all metrics and registers them with reg.
// Pass prometheus.DefaultRegisterer to expose them on the default handler.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	m := &Metrics{
		// Pump metrics
		PumpRunning: f.NewGauge(prometheus.GaugeOpts{
			Name: "avatarcam_pump_running",
			Help: "1 while the frame pump is running",
		}),
		PumpCycles: f.NewCounter(prometheus.CounterOpts{
			Name: "avatarcam_pump_cycles_total",
			Help: "Total number of pump cycles",
		}),
		FramesDelivered: f.NewCounter(prometheus.CounterOpts{
			Name: "avatarcam_frames_delivered_total",
			Help: "Total number of frames handed to the sink",
		}),
		FramesSkipped: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "avatarcam_frames_skipped_total",
				Help: "Total number of pump cycles that delivered no frame",
			},
			[]string{"reason"}, // not_connected, header_invalid, dimension_mismatch, torn_frame
		),
		SinkPanics: f.NewCounter(prometheus.CounterOpts{
			Name: "avatarcam_sink_panics_total",
			Help: "Total number of recovered sink panics",
		}),
		ReadDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "avatarcam_frame_read_duration_seconds",
			Help:    "Time spent copying a frame out of the shared region",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 10), // 100us to ~51ms
		}),

		// Region metrics
		RegionConnected: f.NewGauge(prometheus.GaugeOpts{
			Name: "avatarcam_region_connected",
			Help: "1 while the shared region is mapped",
		}),
		FrameTimestamp: f.NewGauge(prometheus.GaugeOpts{
			Name: "avatarcam_frame_timestamp",
			Help: "Producer timestamp of the last delivered frame",
		}),

		// Hub metrics
		HubSubscribers: f.NewGauge(prometheus.GaugeOpts{
			Name: "avatarcam_hub_subscribers",
			Help: "Number of in-process frame subscribers",
		}),
		FramesPublished: f.NewCounter(prometheus.CounterOpts{
			Name: "avatarcam_hub_frames_published_total",
			Help: "Total number of frames fanned out by the hub",
		}),
		FramesDropped: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "avatarcam_hub_frames_dropped_total",
				Help: "Total number of frames dropped for slow subscribers",
			},
			[]string{"subscriber"},
		),

		// Driver metrics
		DriverFrames: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "avatarcam_driver_frames_total",
				Help: "Total number of frames handed to the host media pipeline",
			},
			[]string{"driver"},
		),
		DriverDropped: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "avatarcam_driver_frames_dropped_total",
				Help: "Total number of frames the driver adapter could not hand over",
			},
			[]string{"driver", "reason"},
		),

		// Snapshot metrics
		SnapshotsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "avatarcam_snapshots_created_total",
			Help: "Total number of snapshots written",
		}),
		SnapshotSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "avatarcam_snapshot_size_bytes",
			Help:    "Size of encoded snapshots in bytes",
			Buckets: prometheus.ExponentialBuckets(10240, 2, 10), // 10KB to ~5MB
		}),
		SnapshotsStored: f.NewGauge(prometheus.GaugeOpts{
			Name: "avatarcam_snapshots_stored",
			Help: "Number of snapshots currently retained",
		}),

		// Viewer metrics
		ActiveViewers: f.NewGauge(prometheus.GaugeOpts{
			Name: "avatarcam_active_viewers",
			Help: "Number of connected preview viewers",
		}),
		ViewerSessions: f.NewCounter(prometheus.CounterOpts{
			Name: "avatarcam_viewer_sessions_total",
			Help: "Total number of preview sessions",
		}),

		// HTTP metrics
		HTTPRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "avatarcam_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "avatarcam_http_request_duration_seconds",
				Help:    "Duration of HTTP requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}

	return m
}

// SetPumpRunning records a pump state transition
func (m *Metrics) SetPumpRunning(running bool) {
	m.PumpRunning.Set(boolToFloat(running))
}

// SetRegionConnected records whether the region is mapped
func (m *Metrics) SetRegionConnected(connected bool) {
	m.RegionConnected.Set(boolToFloat(connected))
}

// RecordCycle records one pump cycle and the time it spent reading
func (m *Metrics) RecordCycle(read time.Duration) {
	m.PumpCycles.Inc()
	m.ReadDuration.Observe(read.Seconds())
}

// RecordFrameDelivered records a frame handed to the sink
func (m *Metrics) RecordFrameDelivered(timestamp int64) {
	m.FramesDelivered.Inc()
	m.FrameTimestamp.Set(float64(timestamp))
}

// RecordSkip records a cycle that produced no frame
func (m *Metrics) RecordSkip(reason string) {
	m.FramesSkipped.WithLabelValues(reason).Inc()
}

// RecordSinkPanic records a recovered sink panic
func (m *Metrics) RecordSinkPanic() {
	m.SinkPanics.Inc()
}

// RecordPublish records a frame fanned out by the hub
func (m *Metrics) RecordPublish() {
	m.FramesPublished.Inc()
}

// RecordHubDrop records a frame dropped for a slow subscriber
func (m *Metrics) RecordHubDrop(subscriber string) {
	m.FramesDropped.WithLabelValues(subscriber).Inc()
}

// SetSubscribers records the current subscriber count
func (m *Metrics) SetSubscribers(n int) {
	m.HubSubscribers.Set(float64(n))
}

// RecordDriverFrame records a frame handed to the host pipeline
func (m *Metrics) RecordDriverFrame(driver string) {
	m.DriverFrames.WithLabelValues(driver).Inc()
}

// RecordDriverDrop records a frame the adapter had to drop
func (m *Metrics) RecordDriverDrop(driver, reason string) {
	m.DriverDropped.WithLabelValues(driver, reason).Inc()
}

// RecordSnapshot records a snapshot written
func (m *Metrics) RecordSnapshot(sizeBytes int64) {
	m.SnapshotsCreated.Inc()
	m.SnapshotSize.Observe(float64(sizeBytes))
	m.SnapshotsStored.Inc()
}

// RecordSnapshotDeleted records a snapshot evicted from the window
func (m *Metrics) RecordSnapshotDeleted() {
	m.SnapshotsStored.Dec()
}

// RecordViewerStart records a preview viewer connecting
func (m *Metrics) RecordViewerStart() {
	m.ActiveViewers.Inc()
	m.ViewerSessions.Inc()
}

// RecordViewerStop records a preview viewer leaving
func (m *Metrics) RecordViewerStop() {
	m.ActiveViewers.Dec()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path string, status int, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, path, statusClass(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, path).Observe(durationSeconds)
}

// statusClass converts an HTTP status code to its class
func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
