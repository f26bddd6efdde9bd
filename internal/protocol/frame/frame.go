package frame

import (
	"errors"
	"fmt"
	"io"

	"github.com/danmuck/flashd/internal/protocol"
)

var (
	ErrPeerClosed   = errors.New("frame: peer closed connection")
	ErrShortPayload = errors.New("frame: short payload")
)

// Limits constrains how payload bytes are pulled off the transport.
type Limits struct {
	ChunkSize int
}

func DefaultLimits() Limits {
	return Limits{ChunkSize: protocol.ChunkSize}
}

// ReadCommand performs exactly one read of at most MaxCommandLen bytes.
// Commands carry no terminator; whatever the single read returns is the
// command. A zero-byte read means the peer is gone.
func ReadCommand(r io.Reader) ([]byte, error) {
	var buf [protocol.MaxCommandLen]byte
	n, err := r.Read(buf[:])
	if n > 0 {
		return buf[:n], nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return nil, ErrPeerClosed
	}
	return nil, err
}

// ReadPayload copies exactly size bytes from r to w, reading at most
// limits.ChunkSize bytes per call.
//
// A request of exactly MaxCommandLen bytes is satisfied by a single read
// and never retried after a short read; a short read then surfaces as
// ErrShortPayload. Hosts depend on this framing.
func ReadPayload(r io.Reader, w io.Writer, size uint32, limits Limits) (int64, error) {
	chunk := limits.ChunkSize
	if chunk <= 0 {
		chunk = protocol.ChunkSize
	}
	// Compared as int64 so sizes past 2 GiB stay positive on 32-bit.
	if int64(size) < int64(chunk) {
		chunk = int(size)
	}
	buf := make([]byte, chunk)

	var total int64
	remaining := int64(size)
	for remaining > 0 {
		want := int64(len(buf))
		if remaining < want {
			want = remaining
		}
		n, err := r.Read(buf[:want])
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
			remaining -= int64(n)
		}
		if n == 0 {
			if err == nil || errors.Is(err, io.EOF) {
				return total, ErrPeerClosed
			}
			return total, err
		}
		if size == protocol.MaxCommandLen {
			break
		}
	}
	if total != int64(size) {
		return total, fmt.Errorf("%w: got %d of %d bytes", ErrShortPayload, total, size)
	}
	return total, nil
}

// FixedWriter writes into a preallocated buffer and refuses to grow it.
type FixedWriter struct {
	buf []byte
	n   int
}

func NewFixedWriter(buf []byte) *FixedWriter {
	return &FixedWriter{buf: buf}
}

func (w *FixedWriter) Write(p []byte) (int, error) {
	if len(p) > len(w.buf)-w.n {
		return 0, protocol.ErrPayloadTooLarge
	}
	copy(w.buf[w.n:], p)
	w.n += len(p)
	return len(p), nil
}

func (w *FixedWriter) Len() int {
	return w.n
}
