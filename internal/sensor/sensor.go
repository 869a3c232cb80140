// Package sensor binds camera backends to the narrow driver contract the
// capture routine needs: initialize with a fixed configuration, release
// everything, borrow one encoded JPEG frame, give it back.
//
// Frames live in a bounded pool sized by [Config.FrameBuffers]. A
// caller that keeps frames checked out starves the pool and further
// acquisitions fail with [ErrNoFreeBuffer], which is the same failure
// mode a fixed frame-buffer camera exhibits.
package sensor

import (
	"bytes"
	"context"
	"errors"
	"time"
)

var (
	// ErrNotInitialized is returned by Acquire before Init or after Deinit.
	ErrNotInitialized = errors.New("sensor not initialized")
	// ErrNoFreeBuffer is returned when every frame buffer is checked out.
	ErrNoFreeBuffer = errors.New("no free frame buffer")
	// ErrNoFrame is returned when the device produced nothing.
	ErrNoFrame = errors.New("sensor returned no frame")
	// ErrNotJPEG is returned when the backend produced bytes that do not
	// start with a JPEG SOI marker.
	ErrNotJPEG = errors.New("frame is not a JPEG image")
)

// Config is the fixed sensor configuration applied at startup and
// reapplied on every recovery.
type Config struct {
	// Device is backend specific: a V4L2 index or path, a snapshot URL,
	// or a directory of JPEG files.
	Device       string
	Width        int
	Height       int
	JPEGQuality  int
	FrameBuffers int
}

// Frame is one encoded JPEG image borrowed from a driver. It must be
// handed back with [Driver.Release] exactly once; Data is invalid
// afterwards.
type Frame struct {
	Data       []byte
	CapturedAt time.Time
	Seq        uint64
}

// Len returns the encoded size in bytes.
func (f *Frame) Len() int {
	if f == nil {
		return 0
	}
	return len(f.Data)
}

// Driver is a camera backend.
type Driver interface {
	// Init opens the device with cfg. Calling Init on an initialized
	// driver reinitializes it.
	Init(ctx context.Context, cfg Config) error
	// Deinit releases the device and invalidates outstanding frames.
	Deinit() error
	// Acquire captures one frame. A nil frame is always accompanied by
	// a non-nil error.
	Acquire(ctx context.Context) (*Frame, error)
	// Release returns a frame to the driver. Releasing a frame twice,
	// or a frame from a previous initialization, is a no-op.
	Release(f *Frame)
}

var jpegSOI = []byte{0xFF, 0xD8}

func isJPEG(b []byte) bool {
	return bytes.HasPrefix(b, jpegSOI)
}
