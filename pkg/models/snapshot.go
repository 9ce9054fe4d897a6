package models

import "time"

// Snapshot represents a still image persisted by the snapshot recorder
type Snapshot struct {
	SequenceNum uint64    `json:"sequence"`  // Snapshot sequence number
	Timestamp   int64     `json:"timestamp"` // Producer timestamp of the captured frame
	FilePath    string    `json:"path"`      // Path within the storage backend
	FileSize    int64     `json:"size"`      // Size in bytes
	CreatedAt   time.Time `json:"createdAt"` // When the snapshot was written
}

// SnapshotWindow keeps the most recent snapshots up to MaxSnapshots
type SnapshotWindow struct {
	Snapshots    []*Snapshot
	MaxSnapshots int
}

// Add appends a snapshot and returns any snapshots that fell out of the window
func (w *SnapshotWindow) Add(s *Snapshot) []*Snapshot {
	w.Snapshots = append(w.Snapshots, s)

	if w.MaxSnapshots <= 0 || len(w.Snapshots) <= w.MaxSnapshots {
		return nil
	}

	n := len(w.Snapshots) - w.MaxSnapshots
	evicted := make([]*Snapshot, n)
	copy(evicted, w.Snapshots[:n])
	w.Snapshots = w.Snapshots[n:]
	return evicted
}

// Latest returns the newest snapshot, or nil
func (w *SnapshotWindow) Latest() *Snapshot {
	if len(w.Snapshots) == 0 {
		return nil
	}
	return w.Snapshots[len(w.Snapshots)-1]
}
