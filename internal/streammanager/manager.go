package streammanager

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"avatarcam/pkg/models"
)

// Recorder receives hub telemetry. *metrics.Metrics implements it.
type Recorder interface {
	RecordPublish()
	RecordHubDrop(subscriber string)
	SetSubscribers(n int)
}

// Manager fans frames delivered by the pump out to in-process consumers
// (driver adapter, preview viewers, snapshot recorder) and remembers the
// latest one for on-demand readers.
//
// It implements pump.Sink. Frames handed to subscribers are shared and must
// be treated as read-only.
type Manager struct {
	// Subscribers for pub/sub
	subscribers map[string]*subscription // subscription ID -> subscription
	subMu       sync.RWMutex

	latest   *models.Frame
	latestMu sync.RWMutex

	published atomic.Uint64
	dropped   atomic.Uint64

	rec Recorder
}

type subscription struct {
	id      string
	name    string
	ch      chan *models.Frame
	dropped atomic.Uint64
}

// New creates a new stream manager. rec may be nil.
func New(rec Recorder) *Manager {
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Manager{
		subscribers: make(map[string]*subscription),
		rec:         rec,
	}
}

// OnFrame copies the frame once and publishes it to every subscriber
func (m *Manager) OnFrame(frame models.Frame) {
	m.Publish(frame.Clone())
}

// Publish sends an owned frame to all subscribers without blocking.
// A subscriber whose buffer is full loses its oldest queued frame.
func (m *Manager) Publish(frame *models.Frame) {
	m.latestMu.Lock()
	m.latest = frame
	m.latestMu.Unlock()

	m.published.Add(1)
	m.rec.RecordPublish()

	m.subMu.RLock()
	defer m.subMu.RUnlock()

	for _, sub := range m.subscribers {
		select {
		case sub.ch <- frame:
			continue
		default:
		}

		// Channel is full, make room for the newest frame
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- frame:
		default:
		}

		sub.dropped.Add(1)
		m.dropped.Add(1)
		m.rec.RecordHubDrop(sub.name)
	}
}

// Subscribe creates a subscription to delivered frames.
// Returns the subscription ID, a channel that will receive frames and a cleanup function.
func (m *Manager) Subscribe(name string, bufferSize int) (string, <-chan *models.Frame, func()) {
	if bufferSize < 1 {
		bufferSize = 1
	}

	sub := &subscription{
		id:   uuid.New().String(),
		name: name,
		ch:   make(chan *models.Frame, bufferSize),
	}

	m.subMu.Lock()
	m.subscribers[sub.id] = sub
	count := len(m.subscribers)
	m.subMu.Unlock()
	m.rec.SetSubscribers(count)

	var once sync.Once
	cleanup := func() {
		once.Do(func() { m.unsubscribe(sub.id) })
	}

	return sub.id, sub.ch, cleanup
}

// unsubscribe removes a subscriber and closes its channel
func (m *Manager) unsubscribe(id string) {
	m.subMu.Lock()
	sub, exists := m.subscribers[id]
	if exists {
		delete(m.subscribers, id)
		close(sub.ch)
	}
	count := len(m.subscribers)
	m.subMu.Unlock()

	m.rec.SetSubscribers(count)
}

// Latest returns the most recently published frame
func (m *Manager) Latest() (*models.Frame, bool) {
	m.latestMu.RLock()
	defer m.latestMu.RUnlock()
	return m.latest, m.latest != nil
}

// Dropped returns how many frames a subscriber has lost
func (m *Manager) Dropped(id string) uint64 {
	m.subMu.RLock()
	defer m.subMu.RUnlock()

	if sub, ok := m.subscribers[id]; ok {
		return sub.dropped.Load()
	}
	return 0
}

// Stats returns fan-out counters
func (m *Manager) Stats() models.HubStats {
	m.subMu.RLock()
	count := len(m.subscribers)
	m.subMu.RUnlock()

	return models.HubStats{
		FramesPublished: m.published.Load(),
		FramesDropped:   m.dropped.Load(),
		Subscribers:     count,
	}
}

// Close closes all subscriber channels
func (m *Manager) Close() {
	m.subMu.Lock()
	for id, sub := range m.subscribers {
		close(sub.ch)
		delete(m.subscribers, id)
	}
	m.subMu.Unlock()

	m.rec.SetSubscribers(0)
}

type nopRecorder struct{}

func (nopRecorder) RecordPublish()       {}
func (nopRecorder) RecordHubDrop(string) {}
func (nopRecorder) SetSubscribers(int)   {}
