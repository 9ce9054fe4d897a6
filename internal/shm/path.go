package shm

import (
	"os"
	"path/filepath"
	"runtime"
)

// DefaultRegionPath returns the well-known region location for this platform.
// The macOS driver has always read a fixed /tmp path; elsewhere the file lives
// in the temp directory shared with the producer.
func DefaultRegionPath() string {
	if runtime.GOOS == "darwin" {
		return "/tmp/openclaw_avatar_shm"
	}
	return filepath.Join(os.TempDir(), "openclaw_avatar.raw")
}
