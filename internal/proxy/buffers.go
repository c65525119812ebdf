package proxy

import (
	"io"
	"sync"
)

const relayBufferSize = 32 * 1024

// relayBuffers is shared by tunnel copies and the reverse proxy.
var relayBuffers = newBufferPool(relayBufferSize)

// bufferPool implements httputil.BufferPool over fixed-size slices.
type bufferPool struct {
	size int
	pool sync.Pool
}

func newBufferPool(size int) *bufferPool {
	return &bufferPool{size: size}
}

func (p *bufferPool) Get() []byte {
	if b, ok := p.pool.Get().(*[]byte); ok {
		return *b
	}
	return make([]byte, p.size)
}

func (p *bufferPool) Put(b []byte) {
	if cap(b) < p.size {
		return
	}
	b = b[:p.size]
	// &b costs a small heap allocation; storing a slice header directly would too.
	p.pool.Put(&b)
}

// copyBuffer is io.CopyBuffer with a pooled buffer.
func copyBuffer(dst io.Writer, src io.Reader) (int64, error) {
	buf := relayBuffers.Get()
	defer relayBuffers.Put(buf)
	return io.CopyBuffer(dst, src, buf)
}
