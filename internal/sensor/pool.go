package sensor

import "sync"

// framePool hands out at most limit frames at a time. Backing slices
// are recycled through a sync.Pool so steady-state capture does not
// allocate a fresh buffer per frame.
type framePool struct {
	mu       sync.Mutex
	limit    int
	borrowed map[*Frame]struct{}
	bufs     sync.Pool // *[]byte
}

func newFramePool(limit int) *framePool {
	if limit <= 0 {
		limit = 1
	}
	return &framePool{
		limit:    limit,
		borrowed: make(map[*Frame]struct{}, limit),
	}
}

// get checks out a frame whose Data has length size.
func (p *framePool) get(size int) (*Frame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.borrowed) >= p.limit {
		return nil, ErrNoFreeBuffer
	}

	var buf []byte
	if v, ok := p.bufs.Get().(*[]byte); ok && cap(*v) >= size {
		buf = (*v)[:size]
	} else {
		buf = make([]byte, size)
	}

	f := &Frame{Data: buf}
	p.borrowed[f] = struct{}{}
	return f, nil
}

// put returns f to the pool. It reports false if f was not checked out.
func (p *framePool) put(f *Frame) bool {
	if f == nil {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.borrowed[f]; !ok {
		return false
	}
	delete(p.borrowed, f)

	buf := f.Data[:0]
	f.Data = nil
	p.bufs.Put(&buf)
	return true
}

// outstanding returns the number of frames currently checked out.
func (p *framePool) outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.borrowed)
}
