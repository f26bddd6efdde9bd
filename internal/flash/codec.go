package flash

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec names the compression applied to a flashed image.
type Codec string

const (
	CodecNone Codec = ""
	CodecGzip Codec = "gzip"
	CodecZstd Codec = "zstd"
	CodecLZ4  Codec = "lz4"
	// CodecAuto sniffs the stream magic and falls back to raw.
	CodecAuto Codec = "auto"
)

var (
	magicGzip = []byte{0x1f, 0x8b}
	magicZstd = []byte{0x28, 0xb5, 0x2f, 0xfd}
	magicLZ4  = []byte{0x04, 0x22, 0x4d, 0x18}
)

func ParseCodec(raw string) (Codec, error) {
	switch c := Codec(strings.ToLower(strings.TrimSpace(raw))); c {
	case CodecNone, CodecGzip, CodecZstd, CodecLZ4, CodecAuto:
		return c, nil
	case "none", "raw":
		return CodecNone, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownCodec, raw)
	}
}

// NewDecoder wraps r with the decompressor for codec.
func NewDecoder(codec Codec, r io.Reader) (io.ReadCloser, error) {
	if codec == CodecAuto {
		br := bufio.NewReader(r)
		head, _ := br.Peek(4)
		codec = Sniff(head)
		r = br
	}
	switch codec {
	case CodecNone:
		return io.NopCloser(r), nil
	case CodecGzip:
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecompress, err)
		}
		return zr, nil
	case CodecZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecompress, err)
		}
		return zr.IOReadCloser(), nil
	case CodecLZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, codec)
	}
}

// Sniff identifies a codec from the first bytes of a stream.
func Sniff(head []byte) Codec {
	switch {
	case bytes.HasPrefix(head, magicGzip):
		return CodecGzip
	case bytes.HasPrefix(head, magicZstd):
		return CodecZstd
	case bytes.HasPrefix(head, magicLZ4):
		return CodecLZ4
	default:
		return CodecNone
	}
}
