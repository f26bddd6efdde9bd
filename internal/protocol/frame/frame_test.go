package frame

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/danmuck/flashd/internal/protocol"
)

// chunkedReader returns at most step bytes per Read.
type chunkedReader struct {
	data  []byte
	step  int
	calls int
}

func (r *chunkedReader) Read(p []byte) (int, error) {
	r.calls++
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	n := r.step
	if n > len(p) {
		n = len(p)
	}
	if n > len(r.data) {
		n = len(r.data)
	}
	copy(p, r.data[:n])
	r.data = r.data[n:]
	return n, nil
}

func TestReadCommandSingleRead(t *testing.T) {
	r := &chunkedReader{data: []byte("getvar:version"), step: 6}
	cmd, err := ReadCommand(r)
	if err != nil {
		t.Fatalf("read command: %v", err)
	}
	if string(cmd) != "getvar" || r.calls != 1 {
		t.Fatalf("expected one short read, got %q after %d calls", cmd, r.calls)
	}
}

func TestReadCommandBoundedAtMax(t *testing.T) {
	long := strings.Repeat("a", 100)
	cmd, err := ReadCommand(strings.NewReader(long))
	if err != nil {
		t.Fatalf("read command: %v", err)
	}
	if len(cmd) != protocol.MaxCommandLen {
		t.Fatalf("expected %d bytes, got %d", protocol.MaxCommandLen, len(cmd))
	}
}

func TestReadCommandPeerClosed(t *testing.T) {
	if _, err := ReadCommand(bytes.NewReader(nil)); !errors.Is(err, ErrPeerClosed) {
		t.Fatalf("expected ErrPeerClosed, got %v", err)
	}
	boom := errors.New("boom")
	if _, err := ReadCommand(iotest.ErrReader(boom)); !errors.Is(err, boom) {
		t.Fatalf("expected read error, got %v", err)
	}
}

func TestReadPayloadChunks(t *testing.T) {
	data := bytes.Repeat([]byte("0123456789"), 1000)
	r := &chunkedReader{data: data, step: 1 << 20}
	var out bytes.Buffer
	n, err := ReadPayload(r, &out, uint32(len(data)), DefaultLimits())
	if err != nil {
		t.Fatalf("read payload: %v", err)
	}
	if n != int64(len(data)) || !bytes.Equal(out.Bytes(), data) {
		t.Fatalf("payload mismatch n=%d", n)
	}
	// 10000 bytes at 4096 per read.
	if r.calls != 3 {
		t.Fatalf("expected 3 chunked reads, got %d", r.calls)
	}
}

func TestReadPayloadRetriesShortReads(t *testing.T) {
	data := bytes.Repeat([]byte{0xAB}, 100)
	r := &chunkedReader{data: data, step: 7}
	var out bytes.Buffer
	if _, err := ReadPayload(r, &out, 100, DefaultLimits()); err != nil {
		t.Fatalf("read payload: %v", err)
	}
	if out.Len() != 100 {
		t.Fatalf("expected 100 bytes, got %d", out.Len())
	}
}

func TestReadPayloadMaxCommandLenIsNotRetried(t *testing.T) {
	data := bytes.Repeat([]byte{0x01}, protocol.MaxCommandLen)
	r := &chunkedReader{data: data, step: 16}
	var out bytes.Buffer
	n, err := ReadPayload(r, &out, protocol.MaxCommandLen, DefaultLimits())
	if !errors.Is(err, ErrShortPayload) {
		t.Fatalf("expected ErrShortPayload, got %v", err)
	}
	if n != 16 || r.calls != 1 {
		t.Fatalf("expected a single 16 byte read, got n=%d calls=%d", n, r.calls)
	}
}

func TestReadPayloadPeerClosedMidway(t *testing.T) {
	r := &chunkedReader{data: []byte("abc"), step: 3}
	var out bytes.Buffer
	n, err := ReadPayload(r, &out, 10, DefaultLimits())
	if !errors.Is(err, ErrPeerClosed) || n != 3 {
		t.Fatalf("expected ErrPeerClosed after 3 bytes, got n=%d err=%v", n, err)
	}
}

func TestFixedWriterRefusesOverflow(t *testing.T) {
	w := NewFixedWriter(make([]byte, 4))
	if _, err := w.Write([]byte("abc")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := w.Write([]byte("de")); !errors.Is(err, protocol.ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
	if w.Len() != 3 {
		t.Fatalf("expected len 3, got %d", w.Len())
	}
}

// widestReader records the largest buffer it was handed.
type widestReader struct {
	r      io.Reader
	widest int
}

func (w *widestReader) Read(p []byte) (int, error) {
	if len(p) > w.widest {
		w.widest = len(p)
	}
	return w.r.Read(p)
}

func TestReadPayloadHugeSizeKeepsChunkBound(t *testing.T) {
	src := &widestReader{r: bytes.NewReader(bytes.Repeat([]byte{0xAB}, 5000))}
	var sink bytes.Buffer
	n, err := ReadPayload(src, &sink, 0x80000001, DefaultLimits())
	if !errors.Is(err, ErrPeerClosed) {
		t.Fatalf("expected ErrPeerClosed, got %v", err)
	}
	if n != 5000 || sink.Len() != 5000 {
		t.Fatalf("copied n=%d sink=%d", n, sink.Len())
	}
	if src.widest != protocol.ChunkSize {
		t.Fatalf("reads should be capped at %d bytes, widest=%d", protocol.ChunkSize, src.widest)
	}
}
