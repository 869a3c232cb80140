//go:build gocv

package sensor

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"gocv.io/x/gocv"
)

// GoCVDriver captures from a V4L2/USB camera through OpenCV and encodes
// each frame to JPEG at the configured quality.
type GoCVDriver struct {
	logger *slog.Logger

	mu      sync.Mutex
	cam     *gocv.VideoCapture
	img     gocv.Mat
	quality int
	seq     uint64
	pool    *framePool
}

func newGoCVDriver(logger *slog.Logger) (Driver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return &GoCVDriver{logger: logger}, nil
}

// Init opens cfg.Device, which is either a numeric device index or a
// device path / pipeline string.
func (d *GoCVDriver) Init(_ context.Context, cfg Config) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closeLocked()

	var source any = cfg.Device
	if idx, err := strconv.Atoi(cfg.Device); err == nil {
		source = idx
	}

	cam, err := gocv.OpenVideoCapture(source)
	if err != nil {
		return fmt.Errorf("open camera %q: %w", cfg.Device, err)
	}
	if !cam.IsOpened() {
		cam.Close()
		return fmt.Errorf("open camera %q: device not opened", cfg.Device)
	}

	if cfg.Width > 0 {
		cam.Set(gocv.VideoCaptureFrameWidth, float64(cfg.Width))
	}
	if cfg.Height > 0 {
		cam.Set(gocv.VideoCaptureFrameHeight, float64(cfg.Height))
	}
	// Keep the driver queue shallow so a capture returns a current frame
	// rather than one buffered ten seconds ago.
	cam.Set(gocv.VideoCaptureBufferSize, float64(max(cfg.FrameBuffers, 1)))

	d.cam = cam
	d.img = gocv.NewMat()
	d.quality = cfg.JPEGQuality
	d.pool = newFramePool(cfg.FrameBuffers)

	d.logger.Info("camera initialized",
		"device", cfg.Device,
		"width", cam.Get(gocv.VideoCaptureFrameWidth),
		"height", cam.Get(gocv.VideoCaptureFrameHeight),
		"jpeg_quality", cfg.JPEGQuality,
	)
	return nil
}

// Deinit closes the capture device.
func (d *GoCVDriver) Deinit() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closeLocked()
}

func (d *GoCVDriver) closeLocked() error {
	var err error
	if d.cam != nil {
		err = d.cam.Close()
		d.cam = nil
		d.img.Close()
	}
	d.pool = nil
	return err
}

// Acquire grabs one frame and JPEG-encodes it into a pooled buffer.
func (d *GoCVDriver) Acquire(ctx context.Context) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cam == nil || d.pool == nil {
		return nil, ErrNotInitialized
	}

	if ok := d.cam.Read(&d.img); !ok || d.img.Empty() {
		return nil, ErrNoFrame
	}

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, d.img, []int{int(gocv.IMWriteJpegQuality), d.quality})
	if err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	defer buf.Close()

	encoded := buf.GetBytes()
	frame, err := d.pool.get(len(encoded))
	if err != nil {
		return nil, err
	}
	copy(frame.Data, encoded)

	d.seq++
	frame.Seq = d.seq
	frame.CapturedAt = time.Now()
	return frame, nil
}

// Release returns f to the pool.
func (d *GoCVDriver) Release(f *Frame) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pool != nil {
		d.pool.put(f)
	}
}
