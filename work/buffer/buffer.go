package buffer

import (
	"io"

	"github.com/valyala/bytebufferpool"
)

// DefaultChunkSize is the read size used for live sessions.
const DefaultChunkSize = 32 * 1024

// BufferPool hands out reusable chunk buffers of a fixed capacity, backed by
// valyala/bytebufferpool.
type BufferPool struct {
	pool       *bytebufferpool.Pool
	bufferSize int
}

// NewBufferPool creates a pool whose buffers hold at least bufferSize bytes.
func NewBufferPool(bufferSize int) *BufferPool {
	if bufferSize <= 0 {
		bufferSize = DefaultChunkSize
	}
	return &BufferPool{
		bufferSize: bufferSize,
		pool:       &bytebufferpool.Pool{},
	}
}

// Size returns the chunk capacity of buffers from this pool.
func (bp *BufferPool) Size() int {
	return bp.bufferSize
}

// Get retrieves an empty buffer with at least Size bytes of capacity.
func (bp *BufferPool) Get() *bytebufferpool.ByteBuffer {
	buf := bp.pool.Get()
	buf.Reset()
	if cap(buf.B) < bp.bufferSize {
		buf.B = make([]byte, 0, bp.bufferSize)
	}
	return buf
}

// Put returns a buffer to the pool. Nil is ignored.
func (bp *BufferPool) Put(buf *bytebufferpool.ByteBuffer) {
	if buf != nil {
		bp.pool.Put(buf)
	}
}

// ReadChunk fills a pooled buffer with a single Read from r. The buffer is
// returned even when err is set so partial data can be delivered; it is nil
// only when nothing was read, in which case it has already been recycled.
func (bp *BufferPool) ReadChunk(r io.Reader) (*bytebufferpool.ByteBuffer, error) {
	buf := bp.Get()
	n, err := r.Read(buf.B[:bp.bufferSize])
	if n <= 0 {
		bp.Put(buf)
		if err == nil {
			err = io.ErrNoProgress
		}
		return nil, err
	}
	buf.B = buf.B[:n]
	return buf, err
}
