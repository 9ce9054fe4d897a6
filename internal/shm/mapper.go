package shm

import (
	"io/fs"
	"os"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
)

// Mode selects how a region is opened
type Mode int

const (
	// ReadOnly opens an existing region for consumers
	ReadOnly Mode = iota
	// ReadWrite creates the region if needed and sizes it (producer side)
	ReadWrite
)

// Mapper owns one mapping of the region and the descriptor backing it.
// Both are acquired together by Connect and released together by Disconnect.
// A Mapper is not safe for concurrent use.
type Mapper struct {
	path string
	size int
	mode Mode

	file   *os.File
	info   os.FileInfo
	region mmap.MMap
}

// NewMapper creates a mapper for size bytes of the region at path
func NewMapper(path string, size int, mode Mode) *Mapper {
	return &Mapper{
		path: path,
		size: size,
		mode: mode,
	}
}

// Connect opens and maps the region. It is a no-op when already connected and
// fails fast with ErrNotFound or ErrMapFailed; retrying is the caller's job.
// No descriptor or mapping is left behind when it returns an error.
func (m *Mapper) Connect() (err error) {
	if m.region != nil {
		return nil
	}

	f, err := m.open()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			f.Close()
		}
	}()

	info, err := f.Stat()
	if err != nil {
		return errors.Wrapf(ErrMapFailed, "stat %s: %v", m.path, err)
	}

	if info.Size() < int64(m.size) {
		if m.mode != ReadWrite {
			// mapping past EOF faults on first access
			return errors.Wrapf(ErrMapFailed, "region %s is %d bytes, need %d", m.path, info.Size(), m.size)
		}
		if err := f.Truncate(int64(m.size)); err != nil {
			return errors.Wrapf(ErrMapFailed, "resize %s to %d bytes: %v", m.path, m.size, err)
		}
	}

	prot := mmap.RDONLY
	if m.mode == ReadWrite {
		prot = mmap.RDWR
	}

	region, err := mmap.MapRegion(f, m.size, prot, 0, 0)
	if err != nil {
		return errors.Wrapf(ErrMapFailed, "map %s: %v", m.path, err)
	}

	m.file = f
	m.info = info
	m.region = region
	return nil
}

func (m *Mapper) open() (*os.File, error) {
	var (
		f   *os.File
		err error
	)
	if m.mode == ReadWrite {
		f, err = os.OpenFile(m.path, os.O_RDWR|os.O_CREATE, 0o644)
	} else {
		f, err = os.Open(m.path)
	}
	if err == nil {
		return f, nil
	}

	if errors.Is(err, fs.ErrNotExist) {
		return nil, errors.Wrapf(ErrNotFound, "%s", m.path)
	}
	return nil, errors.Wrapf(ErrNotFound, "open %s: %v", m.path, err)
}

// Disconnect unmaps the region and closes its descriptor. Safe to call repeatedly.
func (m *Mapper) Disconnect() error {
	var result error

	if m.region != nil {
		if err := m.region.Unmap(); err != nil {
			result = errors.Wrapf(err, "unmap %s", m.path)
		}
		m.region = nil
	}

	if m.file != nil {
		if err := m.file.Close(); err != nil && result == nil {
			result = errors.Wrapf(err, "close %s", m.path)
		}
		m.file = nil
	}

	m.info = nil
	return result
}

// Close implements io.Closer
func (m *Mapper) Close() error {
	return m.Disconnect()
}

// Connected reports whether a live mapping is held
func (m *Mapper) Connected() bool {
	return m.region != nil
}

// Bytes returns the mapped region, or nil when disconnected
func (m *Mapper) Bytes() []byte {
	return m.region
}

// Flush writes dirty pages back to the backing object
func (m *Mapper) Flush() error {
	if m.region == nil {
		return nil
	}
	return m.region.Flush()
}

// Stale reports whether the path no longer names the mapped object, or the
// object shrank below the mapped size. Either way the mapping must be dropped.
func (m *Mapper) Stale() bool {
	if m.region == nil {
		return false
	}

	current, err := os.Stat(m.path)
	if err != nil {
		return true
	}
	if current.Size() < int64(m.size) {
		return true
	}
	return !os.SameFile(m.info, current)
}

// Path returns the region path
func (m *Mapper) Path() string {
	return m.path
}

// Size returns the mapped size in bytes
func (m *Mapper) Size() int {
	return m.size
}
