package peerwire

import (
	"sync"
)

// bufferPool hands out chunk-sized buffers shared between the receive path
// and disk reads for serving uploads. Ownership of a checked-out buffer is
// exclusive: exactly one pooledBuffer handle refers to it, and the handle's
// release is idempotent so it can sit on a defer while ownership is also
// handed forward on the happy path.
type bufferPool struct {
	size int
	pool sync.Pool
}

func newBufferPool(size int) *bufferPool {
	p := &bufferPool{size: size}
	p.pool.New = func() interface{} {
		b := make([]byte, size)
		return &b
	}
	return p
}

func (p *bufferPool) get() *pooledBuffer {
	return &pooledBuffer{
		p: p,
		b: *p.pool.Get().(*[]byte),
	}
}

type pooledBuffer struct {
	// nil for standalone buffers that are garbage collected instead of
	// returned to a pool.
	p        *bufferPool
	b        []byte
	released bool
}

// newStandaloneBuffer wraps an ordinary slice in the pooledBuffer ownership
// contract.
func newStandaloneBuffer(b []byte) *pooledBuffer {
	return &pooledBuffer{b: b}
}

// bytes returns the full buffer. Callers slice it down themselves.
func (me *pooledBuffer) bytes() []byte {
	if me.released {
		panic("use of released buffer")
	}
	return me.b
}

// release returns the buffer to the pool. Safe to call more than once, so it
// can guard every exit path.
func (me *pooledBuffer) release() {
	if me.released {
		return
	}
	me.released = true
	b := me.b
	me.b = nil
	if me.p != nil {
		me.p.pool.Put(&b)
	}
}
