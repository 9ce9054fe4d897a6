// Package driver translates the frame pump's start/stop/sink contract into
// the callback shapes of the platform camera frameworks. Each adapter owns
// an explicitly constructed core; nothing here is process-global.
package driver

import (
	"github.com/pkg/errors"

	"avatarcam/internal/pump"
	"avatarcam/pkg/models"
)

// Core is everything a platform plugin may call on the frame pipeline.
// *pump.Pump satisfies it.
type Core interface {
	Start()
	Stop()
	SetSink(sink pump.Sink)
}

// Adapter is a platform driver bound to one core
type Adapter interface {
	Name() string
	Start() error
	Stop() error
}

// Recorder receives driver telemetry. *metrics.Metrics implements it.
type Recorder interface {
	RecordDriverFrame(driver string)
	RecordDriverDrop(driver, reason string)
}

// Driver kinds accepted by configuration
const (
	KindNone        = "none"
	KindCoreMediaIO = "coremediaio"
	KindDirectShow  = "directshow"
)

var (
	// ErrFormatMismatch means the producer's agreed pixel format is not what
	// the host framework expects; misrendering is refused up front.
	ErrFormatMismatch = errors.New("pixel format not supported by driver")

	// ErrInvalidArg mirrors E_INVALIDARG from the host framework
	ErrInvalidArg = errors.New("invalid argument")

	// ErrNoMoreItems mirrors VFW_S_NO_MORE_ITEMS when enumerating media types
	ErrNoMoreItems = errors.New("no more items")
)

// ValidKind reports whether kind names a known driver
func ValidKind(kind string) bool {
	switch kind {
	case KindNone, KindCoreMediaIO, KindDirectShow:
		return true
	}
	return false
}

func checkGeometry(width, height int) error {
	if width <= 0 || height <= 0 {
		return errors.Wrapf(ErrInvalidArg, "frame size %dx%d", width, height)
	}
	return nil
}

func checkFormat(driver string, got, want models.PixelFormat) error {
	if got != want {
		return errors.Wrapf(ErrFormatMismatch, "%s needs %s, producer sends %s", driver, want, got)
	}
	return nil
}

type nopRecorder struct{}

func (nopRecorder) RecordDriverFrame(string)        {}
func (nopRecorder) RecordDriverDrop(string, string) {}
