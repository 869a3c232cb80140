package sensor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// DirDriver replays JPEG files from a directory in name order, wrapping
// around at the end. It stands in for a camera on bench setups and in
// integration runs.
type DirDriver struct {
	mu     sync.Mutex
	dir    string
	files  []string
	next   int
	seq    uint64
	pool   *framePool
	logger *slog.Logger
}

// NewDirDriver creates an uninitialized directory driver.
func NewDirDriver(logger *slog.Logger) *DirDriver {
	if logger == nil {
		logger = slog.Default()
	}
	return &DirDriver{logger: logger}
}

// Init scans cfg.Device for *.jpg and *.jpeg files.
func (d *DirDriver) Init(_ context.Context, cfg Config) error {
	entries, err := os.ReadDir(cfg.Device)
	if err != nil {
		return fmt.Errorf("read frame directory: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".jpg", ".jpeg":
			files = append(files, filepath.Join(cfg.Device, e.Name()))
		}
	}
	if len(files) == 0 {
		return fmt.Errorf("no JPEG files in %s", cfg.Device)
	}
	sort.Strings(files)

	d.mu.Lock()
	d.dir = cfg.Device
	d.files = files
	d.next = 0
	d.pool = newFramePool(cfg.FrameBuffers)
	d.mu.Unlock()

	d.logger.Info("directory sensor initialized", "dir", cfg.Device, "frames", len(files))
	return nil
}

// Deinit forgets the file list; Acquire fails until the next Init.
func (d *DirDriver) Deinit() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.files = nil
	d.pool = nil
	return nil
}

// Acquire reads the next file into a pooled buffer.
func (d *DirDriver) Acquire(ctx context.Context) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.pool == nil || len(d.files) == 0 {
		return nil, ErrNotInitialized
	}

	path := d.files[d.next]
	d.next = (d.next + 1) % len(d.files)

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open frame: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat frame: %w", err)
	}
	if info.Size() == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrNoFrame, path)
	}

	frame, err := d.pool.get(int(info.Size()))
	if err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(f, frame.Data); err != nil {
		d.pool.put(frame)
		return nil, fmt.Errorf("read frame %s: %w", path, err)
	}
	if !isJPEG(frame.Data) {
		d.pool.put(frame)
		return nil, fmt.Errorf("%w: %s", ErrNotJPEG, path)
	}

	d.seq++
	frame.Seq = d.seq
	frame.CapturedAt = time.Now()
	return frame, nil
}

// Release returns f to the pool.
func (d *DirDriver) Release(f *Frame) {
	d.mu.Lock()
	pool := d.pool
	d.mu.Unlock()
	if pool != nil {
		pool.put(f)
	}
}
