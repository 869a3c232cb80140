//go:build !gocv

package sensor

import (
	"errors"
	"log/slog"
)

// ErrGoCVUnavailable is returned when the binary was built without
// OpenCV support.
var ErrGoCVUnavailable = errors.New("gocv camera driver not compiled in; build with -tags gocv (requires OpenCV 4)")

func newGoCVDriver(_ *slog.Logger) (Driver, error) {
	return nil, ErrGoCVUnavailable
}
