package protocol

import (
	"bytes"
	"io"
	"os"
)

// PayloadKind tags what the last download left behind.
type PayloadKind uint8

const (
	PayloadInline PayloadKind = iota
	PayloadStaged
)

func (k PayloadKind) String() string {
	if k == PayloadStaged {
		return "staged"
	}
	return "inline"
}

// Payload is either the downloaded bytes themselves or the path of the
// staging file an oversized download was written to.
type Payload struct {
	kind PayloadKind
	data []byte
	path string
}

func InlinePayload(data []byte) Payload {
	return Payload{kind: PayloadInline, data: data}
}

func StagedPayload(path string) Payload {
	return Payload{kind: PayloadStaged, data: []byte(path), path: path}
}

// ClassifyPayload decodes the session's download buffer. A staged
// download leaves the staging path itself in the buffer, so content equal
// to stagingPath means "read the file", anything else is the image.
func ClassifyPayload(buf []byte, stagingPath string) Payload {
	if stagingPath != "" && len(buf) == len(stagingPath) && string(buf) == stagingPath {
		return StagedPayload(stagingPath)
	}
	return InlinePayload(buf)
}

func (p Payload) Kind() PayloadKind {
	return p.kind
}

func (p Payload) IsStaged() bool {
	return p.kind == PayloadStaged
}

// Bytes returns the raw download buffer content. For a staged payload
// this is the staging path.
func (p Payload) Bytes() []byte {
	return p.data
}

// Size is the download size the session reports for this payload.
func (p Payload) Size() int {
	return len(p.data)
}

// Path returns the staging file path of a staged payload.
func (p Payload) Path() (string, error) {
	if p.kind != PayloadStaged {
		return "", ErrNotStaged
	}
	return p.path, nil
}

// Open returns a reader over the image content and its length.
func (p Payload) Open() (io.ReadCloser, int64, error) {
	if p.kind == PayloadInline {
		return io.NopCloser(bytes.NewReader(p.data)), int64(len(p.data)), nil
	}
	f, err := os.Open(p.path)
	if err != nil {
		return nil, 0, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, st.Size(), nil
}
