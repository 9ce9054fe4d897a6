package shm

import "github.com/pkg/errors"

// Mapper errors
var (
	// ErrNotFound means the region does not exist yet (producer not running)
	ErrNotFound = errors.New("shared region not found")
	// ErrMapFailed means the region exists but could not be mapped
	ErrMapFailed = errors.New("shared region mapping failed")
)

// Reader errors. All of them are recoverable by retrying on a later cycle.
var (
	ErrNotConnected      = errors.New("not connected to shared region")
	ErrHeaderInvalid     = errors.New("invalid frame header")
	ErrDimensionMismatch = errors.New("frame dimensions do not match configuration")
	ErrTornFrame         = errors.New("frame changed while being copied")
)

// Reason maps a reader error onto a short label for logs and metrics
func Reason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrDimensionMismatch):
		return "dimension_mismatch"
	case errors.Is(err, ErrHeaderInvalid):
		return "header_invalid"
	case errors.Is(err, ErrTornFrame):
		return "torn_frame"
	case errors.Is(err, ErrNotConnected), errors.Is(err, ErrNotFound), errors.Is(err, ErrMapFailed):
		return "not_connected"
	default:
		return "unknown"
	}
}
