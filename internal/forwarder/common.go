package forwarder

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"
)

const (
	// defaultBufferSize is the relay buffer used when a route does not set one.
	defaultBufferSize = 64 * 1024

	defaultConnectTimeout = 10 * time.Second

	udpMaxPacketSize   = 65535
	udpIdleTimeout     = 2 * time.Minute
	udpCleanupInterval = 30 * time.Second
	udpMinSweep        = 10 * time.Millisecond
)

// isClosedError checks if the error is due to closed connection.
func isClosedError(err error) bool {
	return errors.Is(err, net.ErrClosed)
}

// bufferPool hands out relay buffers of one fixed size.
type bufferPool struct {
	pool sync.Pool
}

func newBufferPool(size int) *bufferPool {
	if size <= 0 {
		size = defaultBufferSize
	}
	return &bufferPool{pool: sync.Pool{
		New: func() any {
			buf := make([]byte, size)
			return &buf
		},
	}}
}

func (p *bufferPool) get() *[]byte {
	return p.pool.Get().(*[]byte)
}

func (p *bufferPool) put(b *[]byte) {
	p.pool.Put(b)
}

// copyBuffer copies src to dst through buf until EOF or an error.
// trafficFn is called with the number of bytes written after each write.
// A clean EOF returns a nil error.
func copyBuffer(dst io.Writer, src io.Reader, buf []byte, trafficFn func(int64)) (int64, error) {
	var written int64
	for {
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			if nw > 0 {
				written += int64(nw)
				if trafficFn != nil {
					trafficFn(int64(nw))
				}
			}
			if werr != nil {
				return written, werr
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return written, nil
			}
			return written, rerr
		}
	}
}
