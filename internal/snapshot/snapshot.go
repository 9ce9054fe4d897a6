// Package snapshot periodically persists the current frame as a PNG still and
// keeps a sliding window of the most recent ones.
package snapshot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"avatarcam/internal/imaging"
	"avatarcam/internal/logging"
	"avatarcam/internal/storage"
	"avatarcam/internal/streammanager"
	"avatarcam/pkg/models"
)

// LatestName is the object rewritten with every capture
const LatestName = "latest.png"

// Recorder receives snapshot telemetry. *metrics.Metrics implements it.
type Recorder interface {
	RecordSnapshot(sizeBytes int64)
	RecordSnapshotDeleted()
}

// Config controls capture cadence and retention
type Config struct {
	Interval     time.Duration
	MaxSnapshots int
}

// Snapshotter captures frames from the hub into storage
type Snapshotter struct {
	storage storage.Storage
	hub     *streammanager.Manager
	cfg     Config
	log     *logrus.Entry
	rec     Recorder

	mu       sync.RWMutex
	window   models.SnapshotWindow
	sequence uint64

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a snapshotter. log and rec may be nil.
func New(store storage.Storage, hub *streammanager.Manager, cfg Config, log *logrus.Entry, rec Recorder) *Snapshotter {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.MaxSnapshots <= 0 {
		cfg.MaxSnapshots = 10
	}
	if log == nil {
		log = logging.Discard()
	}
	if rec == nil {
		rec = nopRecorder{}
	}

	return &Snapshotter{
		storage: store,
		hub:     hub,
		cfg:     cfg,
		log:     log,
		rec:     rec,
		window:  models.SnapshotWindow{MaxSnapshots: cfg.MaxSnapshots},
	}
}

// Start subscribes to the hub and captures on every interval
func (s *Snapshotter) Start() error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.cancel != nil {
		return errors.New("snapshotter already running")
	}

	// Subscribe to delivered frames; one slot always holds the newest
	_, frames, cleanup := s.hub.Subscribe("snapshot", 1)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		defer cleanup()
		s.processFrames(ctx, frames)
	}(s.done)

	s.log.WithFields(logrus.Fields{
		"interval": s.cfg.Interval,
		"max":      s.cfg.MaxSnapshots,
	}).Info("Started snapshot recorder")
	return nil
}

// Stop ends capturing and waits for an in-flight capture to finish
func (s *Snapshotter) Stop() {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.log.Info("Stopped snapshot recorder")
}

// processFrames keeps the newest frame and captures it on each tick
func (s *Snapshotter) processFrames(ctx context.Context, frames <-chan *models.Frame) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	var pending *models.Frame
	for {
		select {
		case <-ctx.Done():
			return

		case frame, ok := <-frames:
			if !ok {
				return
			}
			pending = frame

		case <-ticker.C:
			if pending == nil {
				continue
			}
			if _, err := s.Capture(ctx, pending); err != nil {
				s.log.WithError(err).Warn("Failed to write snapshot")
			}
			pending = nil
		}
	}
}

// Capture encodes frame, stores it under the next sequence number, refreshes
// latest.png and evicts snapshots that fell out of the window.
func (s *Snapshotter) Capture(ctx context.Context, frame *models.Frame) (*models.Snapshot, error) {
	data, err := imaging.EncodePNG(frame)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.sequence++
	seq := s.sequence
	s.mu.Unlock()

	path := fmt.Sprintf("snapshot_%06d.png", seq)
	if err := s.storage.Write(ctx, path, data); err != nil {
		return nil, errors.Wrapf(err, "write %s", path)
	}
	if err := s.storage.Write(ctx, LatestName, data); err != nil {
		return nil, errors.Wrapf(err, "write %s", LatestName)
	}

	snap := &models.Snapshot{
		SequenceNum: seq,
		Timestamp:   frame.Timestamp,
		FilePath:    path,
		FileSize:    int64(len(data)),
		CreatedAt:   time.Now(),
	}
	s.rec.RecordSnapshot(snap.FileSize)

	s.mu.Lock()
	evicted := s.window.Add(snap)
	s.mu.Unlock()

	for _, old := range evicted {
		if err := s.storage.Delete(ctx, old.FilePath); err != nil {
			s.log.WithError(err).WithField("path", old.FilePath).Warn("Failed to delete old snapshot")
			continue
		}
		s.rec.RecordSnapshotDeleted()
	}

	s.log.WithFields(logrus.Fields{
		"path":      path,
		"bytes":     snap.FileSize,
		"timestamp": snap.Timestamp,
	}).Debug("Snapshot written")
	return snap, nil
}

// Snapshots returns the retained snapshots, oldest first
func (s *Snapshotter) Snapshots() []*models.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Snapshot, len(s.window.Snapshots))
	copy(out, s.window.Snapshots)
	return out
}

// Latest returns the newest snapshot, or nil
func (s *Snapshotter) Latest() *models.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.window.Latest()
}

type nopRecorder struct{}

func (nopRecorder) RecordSnapshot(int64)   {}
func (nopRecorder) RecordSnapshotDeleted() {}
