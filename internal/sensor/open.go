package sensor

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/camrelay/internal/config"
	"github.com/nugget/camrelay/internal/httpkit"
)

// ConfigFrom converts the camera section of the file configuration.
func ConfigFrom(c config.CameraConfig) Config {
	return Config{
		Device:       c.Device,
		Width:        c.Width,
		Height:       c.Height,
		JPEGQuality:  c.JPEGQuality,
		FrameBuffers: c.FrameBuffers,
	}
}

// New constructs the backend named by c.Driver. The driver is returned
// uninitialized.
func New(c config.CameraConfig, logger *slog.Logger) (Driver, error) {
	switch c.Driver {
	case "dir":
		return NewDirDriver(logger), nil
	case "http":
		client := httpkit.NewClient(
			httpkit.WithTimeout(10*time.Second),
			httpkit.WithRetry(2, 500*time.Millisecond),
			httpkit.WithLogger(logger),
		)
		return NewSnapshotDriver(client, logger), nil
	case "gocv":
		return newGoCVDriver(logger)
	default:
		return nil, fmt.Errorf("unknown camera driver %q", c.Driver)
	}
}
